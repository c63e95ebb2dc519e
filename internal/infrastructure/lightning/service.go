// Package lightning implements ports.LightningBackend against lnd's lnrpc
// gRPC API: BOLT-11 payment, invoice creation/lookup, and payment lookup by
// hash, authenticated with a TLS certificate and macaroon.
package lightning

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	"github.com/hedgeflow/rebalancer/internal/core/ports"
	"github.com/hedgeflow/rebalancer/utils"
)

// dialRetryInterval and dialTimeout bound how long Dial tolerates lnd not
// being ready yet, since it is commonly started in the same compose stack
// as this process.
const (
	dialRetryInterval = 2 * time.Second
	dialTimeout       = 30 * time.Second
)

// Service is the Lightning adapter (ports.LightningBackend).
type Service struct {
	client   lnrpc.LightningClient
	conn     *grpc.ClientConn
	macaroon string
}

var _ ports.LightningBackend = (*Service)(nil)

// Dial connects to an lnd node at host (host:port) using the TLS
// certificate at tlsCertPath and the hex- or binary-encoded macaroon at
// macaroonPath, granting RPC access without lnd's own lndconnect tooling.
func Dial(ctx context.Context, host, tlsCertPath, macaroonPath string) (*Service, error) {
	creds, err := credentials.NewClientTLSFromFile(tlsCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("lightning: load tls cert: %w", err)
	}

	macBytes, err := os.ReadFile(macaroonPath)
	if err != nil {
		return nil, fmt.Errorf("lightning: read macaroon: %w", err)
	}
	macHex := macaroonHexOf(macBytes)

	conn, err := grpc.NewClient(host, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("lightning: dial %s: %w", host, err)
	}

	client := lnrpc.NewLightningClient(conn)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var pubkey string
	err = utils.Retry(dialCtx, dialRetryInterval, func(ctx context.Context) (bool, error) {
		info, err := client.GetInfo(withMacaroon(ctx, macHex), &lnrpc.GetInfoRequest{})
		if err != nil {
			// lnd may still be starting up (wallet locked, syncing chain
			// backend); keep retrying until dialTimeout.
			return false, nil
		}
		pubkey = info.GetIdentityPubkey()
		return true, nil
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("lightning: get info: %w", err)
	}
	if pubkey == "" {
		conn.Close()
		return nil, fmt.Errorf("lightning: node returned empty pubkey")
	}

	return &Service{client: client, conn: conn, macaroon: macHex}, nil
}

// macaroonHexOf accepts either a raw binary macaroon or one already encoded
// as hex text, since operators commonly copy macaroons around as hex.
func macaroonHexOf(b []byte) string {
	if isHex(b) {
		return string(b)
	}
	return hex.EncodeToString(b)
}

func isHex(b []byte) bool {
	if len(b) == 0 || len(b)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(string(b))
	return err == nil
}

func withMacaroon(ctx context.Context, macaroonHex string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "macaroon", macaroonHex)
}

func (s *Service) ctx(ctx context.Context) context.Context {
	return withMacaroon(ctx, s.macaroon)
}

// Close tears down the gRPC connection.
func (s *Service) Close() error {
	return s.conn.Close()
}

// Pay sends the given BOLT-11 payment request synchronously.
func (s *Service) Pay(ctx context.Context, paymentRequest string) error {
	resp, err := s.client.SendPaymentSync(s.ctx(ctx), &lnrpc.SendRequest{PaymentRequest: paymentRequest})
	if err != nil {
		return fmt.Errorf("lightning: send payment: %w", err)
	}
	if resp.GetPaymentError() != "" {
		return fmt.Errorf("lightning: payment failed: %s", resp.GetPaymentError())
	}
	return nil
}

// GetPayment looks up an outbound payment by its BOLT-11 payment hash,
// scanning lnd's payment list since lnrpc has no direct payment-hash
// lookup RPC.
func (s *Service) GetPayment(ctx context.Context, paymentHash string) (*ports.Payment, error) {
	resp, err := s.client.ListPayments(s.ctx(ctx), &lnrpc.ListPaymentsRequest{
		IncludeIncomplete: true,
	})
	if err != nil {
		return nil, fmt.Errorf("lightning: list payments: %w", err)
	}
	for _, p := range resp.GetPayments() {
		if p.GetPaymentHash() != paymentHash {
			continue
		}
		switch p.GetStatus() {
		case lnrpc.Payment_SUCCEEDED:
			return &ports.Payment{IsConfirmed: true}, nil
		case lnrpc.Payment_FAILED:
			return &ports.Payment{IsFailed: true}, nil
		default:
			return &ports.Payment{}, nil
		}
	}
	return nil, nil
}

// CreateInvoice creates a hold-free invoice for the given amount in
// millisatoshi.
func (s *Service) CreateInvoice(ctx context.Context, millisats *big.Int) (*ports.Invoice, error) {
	resp, err := s.client.AddInvoice(s.ctx(ctx), &lnrpc.Invoice{
		ValueMsat: millisats.Int64(),
		Memo:      "rebalance",
	})
	if err != nil {
		return nil, fmt.Errorf("lightning: add invoice: %w", err)
	}
	return &ports.Invoice{
		Id:      hex.EncodeToString(resp.GetRHash()),
		Request: resp.GetPaymentRequest(),
	}, nil
}

// GetInvoice looks up a previously created invoice by its payment hash.
func (s *Service) GetInvoice(ctx context.Context, id string) (*ports.Invoice, error) {
	rHash, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("lightning: decode invoice id %q: %w", id, err)
	}

	inv, err := s.client.LookupInvoice(s.ctx(ctx), &lnrpc.PaymentHash{RHash: rHash})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lightning: lookup invoice: %w", err)
	}

	return &ports.Invoice{
		Id:          id,
		Request:     inv.GetPaymentRequest(),
		IsConfirmed: inv.GetState() == lnrpc.Invoice_SETTLED,
		IsCanceled:  inv.GetState() == lnrpc.Invoice_CANCELED,
	}, nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to locate invoice") || strings.Contains(msg, "not found")
}

// GetChannelBalance returns the total local channel balance in satoshis.
func (s *Service) GetChannelBalance(ctx context.Context) (*big.Int, error) {
	resp, err := s.client.ChannelBalance(s.ctx(ctx), &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return nil, fmt.Errorf("lightning: channel balance: %w", err)
	}
	return big.NewInt(int64(resp.GetLocalBalance().GetSat())), nil
}
