package creditv1

import (
	"context"
	"os"
	"reflect"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type balanceServer struct {
	UnimplementedCreditServiceServer
}

func (balanceServer) GetBalance(_ context.Context, request *BalanceRequest) (*BalanceResponse, error) {
	return &BalanceResponse{Owner: request.Owner, Balance: 7}, nil
}

func decoderFor(test *testing.T, payload string) func(any) error {
	test.Helper()
	return func(target any) error {
		return jsonCodec{}.Unmarshal([]byte(payload), target)
	}
}

func findMethod(test *testing.T, name string) grpc.MethodDesc {
	test.Helper()
	for _, method := range CreditServiceDesc.Methods {
		if method.MethodName == name {
			return method
		}
	}
	test.Fatalf("method %s not declared", name)
	return grpc.MethodDesc{}
}

func TestUnaryHandlerDecodesAndDispatches(test *testing.T) {
	test.Parallel()
	method := findMethod(test, "GetBalance")

	response, err := method.Handler(balanceServer{}, context.Background(), decoderFor(test, `{"owner":"user-1"}`), nil)
	if err != nil {
		test.Fatalf("handler failed: %v", err)
	}
	balance, ok := response.(*BalanceResponse)
	if !ok || balance.Owner != "user-1" || balance.Balance != 7 {
		test.Fatalf("unexpected response %#v", response)
	}
}

func TestUnaryHandlerRunsInterceptor(test *testing.T) {
	test.Parallel()
	method := findMethod(test, "GetBalance")
	var seenMethod string
	interceptor := func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		seenMethod = info.FullMethod
		return handler(ctx, request)
	}

	response, err := method.Handler(balanceServer{}, context.Background(), decoderFor(test, `{"owner":"user-2"}`), interceptor)
	if err != nil {
		test.Fatalf("handler failed: %v", err)
	}
	if seenMethod != MethodGetBalance {
		test.Fatalf("expected interceptor to see %s, got %q", MethodGetBalance, seenMethod)
	}
	if balance := response.(*BalanceResponse); balance.Owner != "user-2" {
		test.Fatalf("unexpected response %#v", balance)
	}
}

func TestUnaryHandlerReportsDecodeFailure(test *testing.T) {
	test.Parallel()
	method := findMethod(test, "GetBalance")
	if _, err := method.Handler(balanceServer{}, context.Background(), decoderFor(test, `{"owner":`), nil); err == nil {
		test.Fatalf("expected decode error")
	}
}

func TestUnimplementedMethodsReturnUnimplemented(test *testing.T) {
	test.Parallel()
	method := findMethod(test, "Grant")
	_, err := method.Handler(balanceServer{}, context.Background(), decoderFor(test, `{}`), nil)
	if status.Code(err) != codes.Unimplemented {
		test.Fatalf("expected Unimplemented, got %v", err)
	}
}

func TestProtoDeclaresEveryMethod(test *testing.T) {
	test.Parallel()
	contract, err := os.ReadFile("credit.proto")
	if err != nil {
		test.Fatalf("read contract: %v", err)
	}
	text := string(contract)
	if !strings.Contains(text, "service CreditService") {
		test.Fatalf("contract does not declare CreditService")
	}
	for _, method := range CreditServiceDesc.Methods {
		if !strings.Contains(text, "rpc "+method.MethodName+"(") {
			test.Fatalf("contract is missing rpc %s", method.MethodName)
		}
	}
	for _, stream := range CreditServiceDesc.Streams {
		if !strings.Contains(text, "rpc "+stream.StreamName+"(") {
			test.Fatalf("contract is missing rpc %s", stream.StreamName)
		}
	}
}

func TestProtoFieldsMatchJSONTags(test *testing.T) {
	test.Parallel()
	contract, err := os.ReadFile("credit.proto")
	if err != nil {
		test.Fatalf("read contract: %v", err)
	}
	text := string(contract)
	messages := []any{
		BalanceRequest{}, BalanceResponse{}, IsPurchasedRequest{}, IsPurchasedResponse{},
		PurchaseItemRequest{}, PurchaseItemResponse{}, GrantRequest{}, GrantResponse{},
		ListTransactionsRequest{}, Transaction{}, ListTransactionsResponse{},
		WatchBalanceRequest{}, BalanceUpdate{},
	}
	for _, message := range messages {
		messageType := reflect.TypeOf(message)
		if !strings.Contains(text, "message "+messageType.Name()+" {") {
			test.Fatalf("contract is missing message %s", messageType.Name())
		}
		for index := 0; index < messageType.NumField(); index++ {
			jsonName, _, _ := strings.Cut(messageType.Field(index).Tag.Get("json"), ",")
			if !strings.Contains(text, `json_name = "`+jsonName+`"`) {
				test.Fatalf("contract is missing %s.%s", messageType.Name(), jsonName)
			}
		}
	}
}
