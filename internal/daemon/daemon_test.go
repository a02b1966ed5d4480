package daemon

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	creditv1 "github.com/MarkoPoloResearchLab/creditgate/api/credit/v1"
)

func TestConfigValidate(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "defaults", cfg: Config{GRPCListenAddr: ":7000"}},
		{name: "no listeners", cfg: Config{}, wantErr: "listen addr"},
		{name: "unknown store", cfg: Config{GRPCListenAddr: ":7000", Store: "bolt"}, wantErr: "unsupported store"},
		{name: "pgx needs postgres", cfg: Config{GRPCListenAddr: ":7000", Store: StorePgx, DatabaseURL: "sqlite:///tmp/x.db"}, wantErr: "postgres"},
		{name: "nats needs url", cfg: Config{GRPCListenAddr: ":7000", NotifyProvider: NotifyNATS}, wantErr: "nats url"},
		{name: "redis needs addr", cfg: Config{GRPCListenAddr: ":7000", NotifyProvider: NotifyRedis}, wantErr: "redis addr"},
		{name: "unknown provider", cfg: Config{GRPCListenAddr: ":7000", NotifyProvider: "kafka"}, wantErr: "unsupported notify provider"},
		{name: "http needs signing key", cfg: Config{HTTPListenAddr: ":8080"}, wantErr: "signing key"},
		{name: "negative retries", cfg: Config{GRPCListenAddr: ":7000", PurchaseRetries: -1}, wantErr: "retries"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cfg := testCase.cfg
			err := cfg.Validate()
			if testCase.wantErr == "" {
				if err != nil {
					test.Fatalf("unexpected error: %v", err)
				}
				if cfg.DatabaseURL != DefaultDatabaseURL || cfg.Store != StoreGorm || cfg.NotifyProvider != NotifyLocal {
					test.Fatalf("defaults not applied: %+v", cfg)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), testCase.wantErr) {
				test.Fatalf("expected error containing %q, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestResolveDriver(test *testing.T) {
	test.Parallel()
	directory := test.TempDir()
	testCases := []struct {
		name       string
		dsn        string
		wantDriver string
		wantPath   string
	}{
		{name: "postgres", dsn: "postgres://user@localhost/credit", wantDriver: driverPostgres},
		{name: "postgresql", dsn: "postgresql://user@localhost/credit", wantDriver: driverPostgres},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(directory, "a", "ledger.db"), wantDriver: driverSQLite, wantPath: filepath.Join(directory, "a", "ledger.db")},
		{name: "bare path", dsn: filepath.Join(directory, "b.db"), wantDriver: driverSQLite, wantPath: filepath.Join(directory, "b.db")},
		{name: "memory", dsn: sqliteMemoryPath, wantDriver: driverSQLite, wantPath: sqliteMemoryPath},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			driver, path, err := resolveDriver(testCase.dsn)
			if err != nil {
				test.Fatalf("resolve failed: %v", err)
			}
			if driver != testCase.wantDriver || path != testCase.wantPath {
				test.Fatalf("got (%s, %s), want (%s, %s)", driver, path, testCase.wantDriver, testCase.wantPath)
			}
		})
	}
}

func TestSQLiteDSNAddsBusyTimeout(test *testing.T) {
	test.Parallel()
	if got := sqliteDSN("/tmp/a.db"); got != "/tmp/a.db?"+sqliteBusyPragma {
		test.Fatalf("unexpected dsn %s", got)
	}
	if got := sqliteDSN("/tmp/a.db?mode=rwc"); got != "/tmp/a.db?mode=rwc&"+sqliteBusyPragma {
		test.Fatalf("unexpected dsn %s", got)
	}
	if got := sqliteDSN(sqliteMemoryPath); got != sqliteMemoryPath {
		test.Fatalf("unexpected dsn %s", got)
	}
}

func mustListen(test *testing.T) net.Listener {
	test.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		test.Fatalf("listen failed: %v", err)
	}
	return listener
}

func TestServeOnSQLite(test *testing.T) {
	test.Parallel()
	cfg := Config{
		DatabaseURL:       "sqlite://" + filepath.Join(test.TempDir(), "creditgate.db"),
		GRPCListenAddr:    "127.0.0.1:0",
		HTTPListenAddr:    "127.0.0.1:0",
		PurchaseRetries:   DefaultRetryBudget,
		SessionSigningKey: "secret-key",
		ShutdownGrace:     time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	daemon, err := New(ctx, cfg, zaptest.NewLogger(test))
	if err != nil {
		test.Fatalf("daemon init failed: %v", err)
	}
	defer func() { _ = daemon.Close() }()

	grpcListener := mustListen(test)
	httpListener := mustListen(test)
	served := make(chan error, 1)
	go func() {
		served <- daemon.Serve(ctx, grpcListener, httpListener)
	}()

	conn, err := grpc.NewClient(grpcListener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		test.Fatalf("gRPC client init failed: %v", err)
	}
	defer conn.Close()
	client := creditv1.NewCreditServiceClient(conn)

	callCtx, callCancel := context.WithTimeout(ctx, 5*time.Second)
	defer callCancel()
	if _, err := client.Grant(callCtx, &creditv1.GrantRequest{Owner: "user-1", Amount: 12, GrantKey: "signup"}, grpc.WaitForReady(true)); err != nil {
		test.Fatalf("grant failed: %v", err)
	}
	purchase, err := client.PurchaseItem(callCtx, &creditv1.PurchaseItemRequest{Owner: "user-1", ItemID: "wb-42", ItemType: "WORKBOOK", Cost: 5})
	if err != nil {
		test.Fatalf("purchase failed: %v", err)
	}
	if purchase.NewBalance != 7 {
		test.Fatalf("expected balance 7, got %d", purchase.NewBalance)
	}

	response, err := http.Get("http://" + httpListener.Addr().String() + "/healthz")
	if err != nil {
		test.Fatalf("health request failed: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusOK {
		test.Fatalf("health status=%d", response.StatusCode)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			test.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		test.Fatalf("serve did not stop")
	}
}
