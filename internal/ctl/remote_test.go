package ctl

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	creditv1 "github.com/MarkoPoloResearchLab/creditgate/api/credit/v1"
	"github.com/MarkoPoloResearchLab/creditgate/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/notify"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/observer"
)

const bufconnSize = 1 << 20

func startRemote(test *testing.T) *Remote {
	test.Helper()
	hub := notify.NewHub()
	var clock atomic.Int64
	clock.Store(1700000000)
	service, err := ledger.NewService(memstore.New(), func() int64 { return clock.Add(1) }, ledger.WithPublisher(hub))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	listener := bufconn.Listen(bufconnSize)
	grpcServer := grpc.NewServer()
	creditv1.RegisterCreditServiceServer(grpcServer, grpcserver.NewCreditServiceServer(service, hub, nil))
	go func() {
		_ = grpcServer.Serve(listener)
	}()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		test.Fatalf("gRPC client init failed: %v", err)
	}
	test.Cleanup(func() {
		_ = conn.Close()
		grpcServer.Stop()
		_ = hub.Close()
	})
	return NewRemote(creditv1.NewCreditServiceClient(conn))
}

func mustOwner(test *testing.T, raw string) ledger.OwnerID {
	test.Helper()
	owner, err := ledger.NewOwnerID(raw)
	if err != nil {
		test.Fatalf("owner: %v", err)
	}
	return owner
}

func mustKey(test *testing.T, owner string, itemID string, itemType ledger.ItemType) ledger.ItemKey {
	test.Helper()
	key, err := ledger.ParseItemKey(owner, itemID, string(itemType))
	if err != nil {
		test.Fatalf("item key: %v", err)
	}
	return key
}

func mustGrant(test *testing.T, remote *Remote, owner string, amount ledger.Credits) {
	test.Helper()
	grantKey, err := ledger.NewGrantKey("seed")
	if err != nil {
		test.Fatalf("grant key: %v", err)
	}
	if _, err := remote.Grant(context.Background(), mustOwner(test, owner), amount, grantKey, "seed"); err != nil {
		test.Fatalf("grant failed: %v", err)
	}
}

func TestRemotePurchaseRestoresInsufficientCreditError(test *testing.T) {
	test.Parallel()
	remote := startRemote(test)
	mustGrant(test, remote, "user-1", 3)

	_, err := remote.PurchaseItem(context.Background(), mustKey(test, "user-1", "wb-1", ledger.ItemTypeWorkbook), 5, "", ledger.MetadataJSON{})
	var insufficientError ledger.InsufficientCreditError
	if !errors.As(err, &insufficientError) {
		test.Fatalf("expected InsufficientCreditError, got %v", err)
	}
	if insufficientError.Required != 5 || insufficientError.Available != 3 {
		test.Fatalf("unexpected amounts %+v", insufficientError)
	}
	if ledger.KindOf(err) != ledger.KindInsufficientCredit {
		test.Fatalf("expected insufficient_credit kind, got %s", ledger.KindOf(err))
	}
}

func TestWatchDrivesObserverCache(test *testing.T) {
	test.Parallel()
	remote := startRemote(test)
	mustGrant(test, remote, "user-2", 12)
	owner := mustOwner(test, "user-2")

	changes := make(chan ledger.Credits, 8)
	cache, err := observer.NewCache(owner, observer.WithChangeHandler(func(balance ledger.Credits) {
		changes <- balance
	}))
	if err != nil {
		test.Fatalf("cache: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	updates := make(chan ledger.BalanceUpdate)
	watchDone := make(chan error, 1)
	go func() {
		watchDone <- remote.WatchBalance(ctx, owner, updates)
	}()
	go func() {
		_ = cache.Watch(ctx, updates)
	}()

	expectBalance(test, changes, 12)

	result, err := cache.Purchase(ctx, remote, mustKey(test, "user-2", "p-1", ledger.ItemTypePrompt), 4, "", ledger.MetadataJSON{})
	if err != nil {
		test.Fatalf("purchase failed: %v", err)
	}
	if result.NewBalance != 8 {
		test.Fatalf("expected 8, got %d", result.NewBalance)
	}
	// Once from the purchase result, once from the pushed update.
	expectBalance(test, changes, 8)
	expectBalance(test, changes, 8)

	cancel()
	if err := <-watchDone; err != nil {
		test.Fatalf("watch returned error: %v", err)
	}
}

func expectBalance(test *testing.T, changes <-chan ledger.Credits, want ledger.Credits) {
	test.Helper()
	select {
	case got := <-changes:
		if got != want {
			test.Fatalf("expected balance %d, got %d", want, got)
		}
	case <-time.After(5 * time.Second):
		test.Fatalf("timed out waiting for balance %d", want)
	}
}

func TestFromStatus(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		err      error
		wantKind ledger.ErrorKind
		wantErr  error
	}{
		{name: "insufficient without trailer", err: status.Error(codes.FailedPrecondition, "insufficient_credit"), wantKind: ledger.KindInsufficientCredit},
		{name: "unknown owner", err: status.Error(codes.PermissionDenied, "unknown_owner"), wantKind: ledger.KindUnknownOwner},
		{name: "unavailable", err: status.Error(codes.Unavailable, "store_unavailable"), wantKind: ledger.KindStoreUnavailable},
		{name: "invalid", err: status.Error(codes.InvalidArgument, "bad"), wantErr: ErrInvalidRequest},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			mapped := FromStatus(testCase.err, nil)
			if testCase.wantErr != nil {
				if !errors.Is(mapped, testCase.wantErr) {
					test.Fatalf("expected %v, got %v", testCase.wantErr, mapped)
				}
				return
			}
			if kind := ledger.KindOf(mapped); kind != testCase.wantKind {
				test.Fatalf("expected kind %s, got %s", testCase.wantKind, kind)
			}
		})
	}
}
