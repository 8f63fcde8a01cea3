// Package constants defines cross-cutting constants shared by the retrieval
// engine, the wire protocol and the default configuration.
package constants

import "time"

// Chunk layout
const (
	// AddressSize is the size of a chunk address in bytes
	AddressSize = 32

	// SpanSize is the size of the little-endian length prefix on chunk data
	SpanSize = 8

	// ChunkSize is the maximum payload carried by one content-addressed chunk
	ChunkSize = 4096

	// MaxChunkSize is the largest content-addressed chunk on the wire
	MaxChunkSize = SpanSize + ChunkSize

	// Branches is the number of child references that fit into one interior chunk
	Branches = ChunkSize / AddressSize

	// SOC header: id(32) | signature(65)
	SOCIDSize       = 32
	SignatureSize   = 65
	SOCHeaderSize   = SOCIDSize + SignatureSize
	OwnerSize       = 20
	MaxSOCChunkSize = SOCHeaderSize + MaxChunkSize
)

// Proximity
const (
	// MaxPO is the highest proximity order the selector distinguishes
	MaxPO = 31
)

// Retrieval defaults
const (
	DefaultMaxErrors    = 8
	RetrieveRoundTime   = 600 * time.Millisecond
	DefaultFetchTimeout = 10 * time.Second
	DefaultCacheSize    = 4096

	// OverdraftRefreshMultiplier scales the refresh rate requested for a peer found over budget
	OverdraftRefreshMultiplier = 10
)

// Accounting defaults
const (
	DefaultBasePrice   = 10_000
	DefaultCreditLimit = 13_500_000
	// RefreshRate is the credit per second a light node gets back from a peer
	RefreshRate          = 450_000
	RefreshChannelBuffer = 64
)

// Assembler and feed defaults
const (
	DefaultMaxInFlight      = 16
	DefaultMaxDepth         = 10
	DefaultProbeConcurrency = 8
	DefaultRedundancy       = 4
)

// Protocol configuration
const (
	ProtocolVersion = 1
	NetworkID       = 10

	// ALPN is negotiated on every retrieval transport
	ALPN = "weeb3/retrieval/1"

	DefaultP2PPort     = 1634
	DefaultControlAddr = "127.0.0.1:1633"
	MaxFrameSize       = 64 * 1024
	MaxClockSkew       = 5 * time.Minute
)

// Error codes carried in delivery frames
const (
	ErrorInvalidSig      = 1
	ErrorNotFound        = 3
	ErrorOverdraft       = 4
	ErrorVersionMismatch = 5
	ErrorBadRequest      = 6
)

// Message kinds
const (
	KindError            = 0
	KindRetrievalRequest = 40
	KindChunkDelivery    = 41
)
