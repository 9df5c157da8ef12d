// Package discovery finds peers on the local network and tracks their liveness.
package discovery

import (
	"context"
	"strings"
	"time"

	"silentnet/crypto"
	"silentnet/metrics"
	"silentnet/models"
	"silentnet/network"
	"silentnet/peers"
)

// Prober issues the "who are you" request against a peer address.
type Prober interface {
	FetchInfo(ctx context.Context, address string) (models.Info, error)
}

// Connect asks address for its identity and builds an online peer record.
//
// Transport failures surface as *network.PeerUnreachableError. A peer that
// answers with an unusable identity surfaces as *network.ProtocolMismatchError.
func Connect(ctx context.Context, prober Prober, address string, now time.Time) (peers.Record, error) {
	address = strings.TrimSpace(address)

	info, err := prober.FetchInfo(ctx, address)
	metrics.Probes.WithLabelValues("connect", metrics.ProbeResult(err)).Inc()
	if err != nil {
		return peers.Record{}, err
	}

	return recordFromInfo(address, info, now)
}

func recordFromInfo(address string, info models.Info, now time.Time) (peers.Record, error) {
	if strings.TrimSpace(info.UserID) == "" {
		return peers.Record{}, &network.ProtocolMismatchError{Address: address, Reason: "empty user_id"}
	}

	pemBytes := []byte(info.PublicKey)
	publicKey, err := crypto.ParsePublicKeyPEM(pemBytes)
	if err != nil {
		return peers.Record{}, &network.ProtocolMismatchError{Address: address, Reason: "unusable public_key", Err: err}
	}

	return peers.Record{
		PeerID:       info.UserID,
		Address:      address,
		PublicKey:    publicKey,
		PublicKeyPEM: info.PublicKey,
		Fingerprint:  crypto.Fingerprint(pemBytes),
		Version:      info.Version,
		Capabilities: append([]string(nil), info.Capabilities...),
		Status:       peers.StatusOnline,
		LastSeen:     now,
	}, nil
}
