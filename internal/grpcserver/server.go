package grpcserver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	creditv1 "github.com/MarkoPoloResearchLab/creditgate/api/credit/v1"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/notify"
)

const (
	errorInvalidListLimit = "invalid_list_limit"
	errorWatchUnavailable = "watch_unavailable"

	maxListTransactionsLimit = 500
)

// Subscriber hands out per-owner balance subscriptions.
type Subscriber interface {
	Subscribe(owner ledger.OwnerID) (*notify.Subscription, error)
}

// CreditServiceServer exposes the credit ledger over gRPC.
type CreditServiceServer struct {
	creditv1.UnimplementedCreditServiceServer
	creditService *ledger.Service
	subscriber    Subscriber
	logger        *zap.Logger
}

// NewCreditServiceServer constructs a gRPC server for the ledger service.
// A nil subscriber disables WatchBalance.
func NewCreditServiceServer(creditService *ledger.Service, subscriber Subscriber, logger *zap.Logger) *CreditServiceServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreditServiceServer{creditService: creditService, subscriber: subscriber, logger: logger}
}

func (service *CreditServiceServer) GetBalance(ctx context.Context, request *creditv1.BalanceRequest) (*creditv1.BalanceResponse, error) {
	owner, err := ledger.NewOwnerID(request.Owner)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	balance, operationError := service.creditService.GetBalance(ctx, owner)
	if operationError != nil {
		return nil, mapToGRPCError(ctx, operationError)
	}
	return &creditv1.BalanceResponse{Owner: owner.String(), Balance: balance.Int64()}, nil
}

func (service *CreditServiceServer) IsPurchased(ctx context.Context, request *creditv1.IsPurchasedRequest) (*creditv1.IsPurchasedResponse, error) {
	key, err := ledger.ParseItemKey(request.Owner, request.ItemID, request.ItemType)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	purchased, operationError := service.creditService.IsPurchased(ctx, key)
	if operationError != nil {
		return nil, mapToGRPCError(ctx, operationError)
	}
	return &creditv1.IsPurchasedResponse{Purchased: purchased}, nil
}

func (service *CreditServiceServer) PurchaseItem(ctx context.Context, request *creditv1.PurchaseItemRequest) (*creditv1.PurchaseItemResponse, error) {
	key, err := ledger.ParseItemKey(request.Owner, request.ItemID, request.ItemType)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	cost, err := ledger.NewCredits(request.Cost)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	metadata, err := ledger.NewMetadataJSON(request.MetadataJSON)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	result, operationError := service.creditService.PurchaseItem(ctx, key, cost, request.Description, metadata)
	if operationError != nil {
		return nil, mapToGRPCError(ctx, operationError)
	}
	return &creditv1.PurchaseItemResponse{NewBalance: result.NewBalance.Int64(), AlreadyOwned: result.AlreadyOwned}, nil
}

func (service *CreditServiceServer) Grant(ctx context.Context, request *creditv1.GrantRequest) (*creditv1.GrantResponse, error) {
	owner, err := ledger.NewOwnerID(request.Owner)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	amount, err := ledger.NewPositiveCredits(request.Amount)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	grantKey, err := ledger.NewGrantKey(request.GrantKey)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	result, operationError := service.creditService.Grant(ctx, owner, amount, grantKey, request.Description)
	if operationError != nil {
		return nil, mapToGRPCError(ctx, operationError)
	}
	return &creditv1.GrantResponse{NewBalance: result.NewBalance.Int64(), AlreadyApplied: result.AlreadyApplied}, nil
}

func (service *CreditServiceServer) ListTransactions(ctx context.Context, request *creditv1.ListTransactionsRequest) (*creditv1.ListTransactionsResponse, error) {
	owner, err := ledger.NewOwnerID(request.Owner)
	if err != nil {
		return nil, mapToGRPCError(ctx, err)
	}
	limit, err := normalizeListLimit(request.Limit)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	cursor := ledger.TransactionCursor{BeforeUnixUTC: request.BeforeUnixUTC, BeforeSequence: request.BeforeSequence}
	entries, operationError := service.creditService.ListTransactions(ctx, owner, cursor, int(limit))
	if operationError != nil {
		return nil, mapToGRPCError(ctx, operationError)
	}
	response := &creditv1.ListTransactionsResponse{Transactions: make([]*creditv1.Transaction, 0, len(entries))}
	for _, entry := range entries {
		response.Transactions = append(response.Transactions, &creditv1.Transaction{
			Delta:            entry.Delta(),
			Reason:           entry.Reason(),
			Reference:        entry.Reference(),
			Description:      entry.Description(),
			ResultingBalance: entry.ResultingBalance().Int64(),
			CreatedUnixUTC:   entry.CreatedUnixUTC(),
			Sequence:         entry.Sequence(),
		})
	}
	return response, nil
}

// WatchBalance streams the current balance and then every update until the client goes away.
func (service *CreditServiceServer) WatchBalance(request *creditv1.WatchBalanceRequest, stream creditv1.WatchBalanceServer) error {
	ctx := stream.Context()
	if service.subscriber == nil {
		return status.Error(codes.Unimplemented, errorWatchUnavailable)
	}
	owner, err := ledger.NewOwnerID(request.Owner)
	if err != nil {
		return mapToGRPCError(ctx, err)
	}
	subscription, err := service.subscriber.Subscribe(owner)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer subscription.Close()

	balance, operationError := service.creditService.GetBalance(ctx, owner)
	if operationError != nil {
		return mapToGRPCError(ctx, operationError)
	}
	if err := stream.Send(&creditv1.BalanceUpdate{Owner: owner.String(), Balance: balance.Int64()}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-subscription.Updates():
			if !ok {
				return nil
			}
			if err := stream.Send(toBalanceUpdate(update)); err != nil {
				service.logger.Debug("watch stream send failed", zap.String("owner", owner.String()), zap.Error(err))
				return err
			}
		}
	}
}

func toBalanceUpdate(update ledger.BalanceUpdate) *creditv1.BalanceUpdate {
	return &creditv1.BalanceUpdate{
		Owner:     update.Owner.String(),
		Balance:   update.Balance.Int64(),
		Reason:    update.Reason,
		AtUnixUTC: update.AtUnixUTC,
	}
}

func normalizeListLimit(limit int32) (int32, error) {
	if limit < 0 {
		return 0, fmt.Errorf("limit is negative: %d", limit)
	}
	if limit > maxListTransactionsLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxListTransactionsLimit)
	}
	return limit, nil
}

func mapToGRPCError(ctx context.Context, source error) error {
	switch ledger.KindOf(source) {
	case ledger.KindInvalidArgument:
		return status.Error(codes.InvalidArgument, source.Error())
	case ledger.KindInsufficientCredit:
		var insufficientError ledger.InsufficientCreditError
		if errors.As(source, &insufficientError) {
			_ = grpc.SetTrailer(ctx, creditv1.InsufficientCreditTrailer(insufficientError.Required.Int64(), insufficientError.Available.Int64()))
		}
		return status.Error(codes.FailedPrecondition, string(ledger.KindInsufficientCredit))
	case ledger.KindUnknownOwner:
		return status.Error(codes.PermissionDenied, string(ledger.KindUnknownOwner))
	case ledger.KindStoreUnavailable:
		return status.Error(codes.Unavailable, string(ledger.KindStoreUnavailable))
	default:
		return status.Error(codes.Internal, source.Error())
	}
}
