package fcr

import (
	"context"
	"fmt"
	"strings"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Phase is a step of one consensus round.
type Phase uint8

const (
	PhaseQuality Phase = iota
	PhaseConverge
	PhasePrepare
	PhaseCommit
	PhaseDecide
)

func (p Phase) String() string {
	switch p {
	case PhaseQuality:
		return "QUALITY"
	case PhaseConverge:
		return "CONVERGE"
	case PhasePrepare:
		return "PREPARE"
	case PhaseCommit:
		return "COMMIT"
	case PhaseDecide:
		return "DECIDE"
	}
	return fmt.Sprintf("PHASE(%d)", uint8(p))
}

// Progress is the consensus subprotocol's reported position: which instance
// it is deciding, which round within that instance, and the round's phase.
type Progress struct {
	Instance uint64 `json:"ID"`
	Round    uint64 `json:"Round"`
	Phase    Phase  `json:"Phase"`
}

// ECTipset is one entry of a certificate's chain segment.
type ECTipset struct {
	Epoch int64 `json:"Epoch"`
}

// Certificate is a committed record for one instance. The maximum epoch in
// its chain segment is the finalized height: every tipset at or below it is
// L3.
type Certificate struct {
	Instance uint64     `json:"GPBFTInstance"`
	ECChain  []ECTipset `json:"ECChain"`
}

// FinalizedHeight returns the highest epoch the certificate covers, or -1
// for an empty segment.
func (c *Certificate) FinalizedHeight() int64 {
	max := int64(-1)
	for _, ts := range c.ECChain {
		if ts.Epoch > max {
			max = ts.Epoch
		}
	}
	return max
}

// Manifest carries the subset of the consensus manifest the facilitator
// reports on /health.
type Manifest struct {
	NetworkName    string `json:"NetworkName"`
	BootstrapEpoch int64  `json:"BootstrapEpoch"`
}

// Client is the consensus subprotocol RPC surface the monitor consumes.
type Client interface {
	GetProgress(ctx context.Context) (Progress, error)
	GetCertificate(ctx context.Context, instance uint64) (*Certificate, error)
	GetLatestCertificate(ctx context.Context) (*Certificate, error)
	GetManifest(ctx context.Context) (*Manifest, error)
}

// RPCClient talks to a Filecoin-style node over JSON-RPC.
type RPCClient struct {
	rpc *gethrpc.Client
}

// DialF3 connects to the node's JSON-RPC endpoint.
func DialF3(ctx context.Context, endpoint string) (*RPCClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("consensus endpoint required")
	}
	client, err := gethrpc.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial consensus rpc: %w", err)
	}
	return &RPCClient{rpc: client}, nil
}

func (c *RPCClient) GetProgress(ctx context.Context) (Progress, error) {
	var out Progress
	if err := c.rpc.CallContext(ctx, &out, "Filecoin.F3GetProgress"); err != nil {
		return Progress{}, fmt.Errorf("f3 progress: %w", err)
	}
	return out, nil
}

func (c *RPCClient) GetCertificate(ctx context.Context, instance uint64) (*Certificate, error) {
	var out Certificate
	if err := c.rpc.CallContext(ctx, &out, "Filecoin.F3GetCertificate", instance); err != nil {
		return nil, fmt.Errorf("f3 certificate %d: %w", instance, err)
	}
	return &out, nil
}

func (c *RPCClient) GetLatestCertificate(ctx context.Context) (*Certificate, error) {
	var out Certificate
	if err := c.rpc.CallContext(ctx, &out, "Filecoin.F3GetLatestCertificate"); err != nil {
		return nil, fmt.Errorf("f3 latest certificate: %w", err)
	}
	return &out, nil
}

func (c *RPCClient) GetManifest(ctx context.Context) (*Manifest, error) {
	var out Manifest
	if err := c.rpc.CallContext(ctx, &out, "Filecoin.F3GetManifest"); err != nil {
		return nil, fmt.Errorf("f3 manifest: %w", err)
	}
	return &out, nil
}

// Close releases the underlying RPC connection.
func (c *RPCClient) Close() {
	c.rpc.Close()
}
