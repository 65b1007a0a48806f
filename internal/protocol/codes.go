// Package protocol implements the relay's binary wire format: fixed
// little-endian frame headers and the fixed-width payload layouts of the
// five request kinds.
package protocol

// Versions carried in frame headers.
const (
	ClientVersion uint8 = 1
	ServerVersion uint8 = 2
)

// Request codes.
const (
	CodeRegister    uint16 = 600
	CodeListPeers   uint16 = 601
	CodePublicKey   uint16 = 602
	CodeSend        uint16 = 603
	CodePullWaiting uint16 = 604
)

// Response codes.
const (
	CodeRegisterOK  uint16 = 2100
	CodeListPeersOK uint16 = 2101
	CodePublicKeyOK uint16 = 2102
	CodeSendOK      uint16 = 2103
	CodePullOK      uint16 = 2104

	// CodeError is the single generic failure code; its payload is always empty.
	CodeError uint16 = 9000
)

// Field sizes.
const (
	TokenLen     = 16
	NameLen      = 255
	PublicKeyLen = 160

	RequestHeaderLen  = TokenLen + 1 + 2 + 4 // 23
	ResponseHeaderLen = 1 + 2 + 4            // 7

	RegisterPayloadLen = NameLen + PublicKeyLen
	PeerEntryLen       = TokenLen + NameLen
	PublicKeyRespLen   = TokenLen + PublicKeyLen
	SendPrefixLen      = TokenLen + 1 + 4
	SendAckLen         = TokenLen + 4
	WaitingPrefixLen   = TokenLen + 4 + 1 + 4
)
