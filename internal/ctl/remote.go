// Package ctl adapts the CreditService gRPC client to the ledger and observer interfaces.
package ctl

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	creditv1 "github.com/MarkoPoloResearchLab/creditgate/api/credit/v1"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

// ErrInvalidRequest reports a request the server rejected as malformed.
var ErrInvalidRequest = errors.New("invalid request")

// Dial opens a plaintext client connection to creditd.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("ctl.dial: %w", err)
	}
	return conn, nil
}

// Remote talks to a creditd instance.
type Remote struct {
	client creditv1.CreditServiceClient
}

// NewRemote wraps a CreditService client.
func NewRemote(client creditv1.CreditServiceClient) *Remote {
	return &Remote{client: client}
}

func (remote *Remote) GetBalance(ctx context.Context, owner ledger.OwnerID) (ledger.Credits, error) {
	response, err := remote.client.GetBalance(ctx, &creditv1.BalanceRequest{Owner: owner.String()})
	if err != nil {
		return 0, FromStatus(err, nil)
	}
	return ledger.NewCredits(response.Balance)
}

func (remote *Remote) IsPurchased(ctx context.Context, key ledger.ItemKey) (bool, error) {
	response, err := remote.client.IsPurchased(ctx, &creditv1.IsPurchasedRequest{
		Owner:    key.Owner().String(),
		ItemID:   key.ItemID().String(),
		ItemType: key.ItemType().String(),
	})
	if err != nil {
		return false, FromStatus(err, nil)
	}
	return response.Purchased, nil
}

func (remote *Remote) PurchaseItem(ctx context.Context, key ledger.ItemKey, cost ledger.Credits, description string, metadataJSON ledger.MetadataJSON) (ledger.PurchaseResult, error) {
	var trailer metadata.MD
	response, err := remote.client.PurchaseItem(ctx, &creditv1.PurchaseItemRequest{
		Owner:        key.Owner().String(),
		ItemID:       key.ItemID().String(),
		ItemType:     key.ItemType().String(),
		Cost:         cost.Int64(),
		Description:  description,
		MetadataJSON: metadataJSON.String(),
	}, grpc.Trailer(&trailer))
	if err != nil {
		return ledger.PurchaseResult{}, FromStatus(err, trailer)
	}
	newBalance, err := ledger.NewCredits(response.NewBalance)
	if err != nil {
		return ledger.PurchaseResult{}, err
	}
	return ledger.PurchaseResult{NewBalance: newBalance, AlreadyOwned: response.AlreadyOwned}, nil
}

func (remote *Remote) Grant(ctx context.Context, owner ledger.OwnerID, amount ledger.Credits, grantKey ledger.GrantKey, description string) (ledger.GrantResult, error) {
	response, err := remote.client.Grant(ctx, &creditv1.GrantRequest{
		Owner:       owner.String(),
		Amount:      amount.Int64(),
		GrantKey:    grantKey.String(),
		Description: description,
	})
	if err != nil {
		return ledger.GrantResult{}, FromStatus(err, nil)
	}
	newBalance, err := ledger.NewCredits(response.NewBalance)
	if err != nil {
		return ledger.GrantResult{}, err
	}
	return ledger.GrantResult{NewBalance: newBalance, AlreadyApplied: response.AlreadyApplied}, nil
}

// ListTransactions fetches one newest-first history page; pass the last entry's time and sequence for the next one.
func (remote *Remote) ListTransactions(ctx context.Context, owner ledger.OwnerID, cursor ledger.TransactionCursor, limit int32) ([]*creditv1.Transaction, error) {
	response, err := remote.client.ListTransactions(ctx, &creditv1.ListTransactionsRequest{
		Owner:          owner.String(),
		BeforeUnixUTC:  cursor.BeforeUnixUTC,
		BeforeSequence: cursor.BeforeSequence,
		Limit:          limit,
	})
	if err != nil {
		return nil, FromStatus(err, nil)
	}
	return response.Transactions, nil
}

// WatchBalance forwards the server's balance stream into updates until ctx ends or the stream closes.
// updates is closed on return.
func (remote *Remote) WatchBalance(ctx context.Context, owner ledger.OwnerID, updates chan<- ledger.BalanceUpdate) error {
	defer close(updates)
	stream, err := remote.client.WatchBalance(ctx, &creditv1.WatchBalanceRequest{Owner: owner.String()})
	if err != nil {
		return FromStatus(err, nil)
	}
	for {
		message, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return FromStatus(err, nil)
		}
		update, err := toBalanceUpdate(message)
		if err != nil {
			return err
		}
		select {
		case updates <- update:
		case <-ctx.Done():
			return nil
		}
	}
}

func toBalanceUpdate(message *creditv1.BalanceUpdate) (ledger.BalanceUpdate, error) {
	owner, err := ledger.NewOwnerID(message.Owner)
	if err != nil {
		return ledger.BalanceUpdate{}, err
	}
	balance, err := ledger.NewCredits(message.Balance)
	if err != nil {
		return ledger.BalanceUpdate{}, err
	}
	return ledger.BalanceUpdate{Owner: owner, Balance: balance, Reason: message.Reason, AtUnixUTC: message.AtUnixUTC}, nil
}

// FromStatus turns a gRPC failure back into the ledger error it was mapped from.
func FromStatus(err error, trailer metadata.MD) error {
	statusInfo, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch statusInfo.Code() {
	case codes.FailedPrecondition:
		if required, available, found := creditv1.ParseInsufficientCreditTrailer(trailer); found {
			return ledger.InsufficientCreditError{Required: ledger.Credits(required), Available: ledger.Credits(available)}
		}
		return fmt.Errorf("%w: %s", ledger.ErrInsufficientCredit, statusInfo.Message())
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %s", ledger.ErrUnknownOwner, statusInfo.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", ledger.ErrStoreUnavailable, statusInfo.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, statusInfo.Message())
	default:
		return err
	}
}
