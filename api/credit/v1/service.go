package creditv1

import (
	"context"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "credit.v1.CreditService"

	MethodGetBalance       = "/credit.v1.CreditService/GetBalance"
	MethodIsPurchased      = "/credit.v1.CreditService/IsPurchased"
	MethodPurchaseItem     = "/credit.v1.CreditService/PurchaseItem"
	MethodGrant            = "/credit.v1.CreditService/Grant"
	MethodListTransactions = "/credit.v1.CreditService/ListTransactions"
	MethodWatchBalance     = "/credit.v1.CreditService/WatchBalance"

	// Trailer keys carried by an insufficient_credit failure.
	TrailerRequired  = "credit-required"
	TrailerAvailable = "credit-available"
)

// CreditServiceServer is the server API for CreditService.
type CreditServiceServer interface {
	GetBalance(context.Context, *BalanceRequest) (*BalanceResponse, error)
	IsPurchased(context.Context, *IsPurchasedRequest) (*IsPurchasedResponse, error)
	PurchaseItem(context.Context, *PurchaseItemRequest) (*PurchaseItemResponse, error)
	Grant(context.Context, *GrantRequest) (*GrantResponse, error)
	ListTransactions(context.Context, *ListTransactionsRequest) (*ListTransactionsResponse, error)
	WatchBalance(*WatchBalanceRequest, WatchBalanceServer) error
	mustEmbedUnimplementedCreditServiceServer()
}

// UnimplementedCreditServiceServer must be embedded by implementations.
type UnimplementedCreditServiceServer struct{}

func (UnimplementedCreditServiceServer) GetBalance(context.Context, *BalanceRequest) (*BalanceResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetBalance not implemented")
}

func (UnimplementedCreditServiceServer) IsPurchased(context.Context, *IsPurchasedRequest) (*IsPurchasedResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method IsPurchased not implemented")
}

func (UnimplementedCreditServiceServer) PurchaseItem(context.Context, *PurchaseItemRequest) (*PurchaseItemResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method PurchaseItem not implemented")
}

func (UnimplementedCreditServiceServer) Grant(context.Context, *GrantRequest) (*GrantResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Grant not implemented")
}

func (UnimplementedCreditServiceServer) ListTransactions(context.Context, *ListTransactionsRequest) (*ListTransactionsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListTransactions not implemented")
}

func (UnimplementedCreditServiceServer) WatchBalance(*WatchBalanceRequest, WatchBalanceServer) error {
	return status.Error(codes.Unimplemented, "method WatchBalance not implemented")
}

func (UnimplementedCreditServiceServer) mustEmbedUnimplementedCreditServiceServer() {}

// WatchBalanceServer is the server side of the WatchBalance stream.
type WatchBalanceServer interface {
	Send(*BalanceUpdate) error
	grpc.ServerStream
}

type watchBalanceServer struct {
	grpc.ServerStream
}

func (stream *watchBalanceServer) Send(update *BalanceUpdate) error {
	return stream.ServerStream.SendMsg(update)
}

// RegisterCreditServiceServer registers srv on registrar.
func RegisterCreditServiceServer(registrar grpc.ServiceRegistrar, srv CreditServiceServer) {
	registrar.RegisterService(&CreditServiceDesc, srv)
}

type unaryMethodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unaryHandler[Request any, Response any](method string, call func(CreditServiceServer, context.Context, *Request) (*Response, error)) unaryMethodHandler {
	return func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(Request)
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CreditServiceServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, request any) (any, error) {
			return call(srv.(CreditServiceServer), ctx, request.(*Request))
		}
		return interceptor(ctx, request, info, handler)
	}
}

func watchBalanceHandler(srv any, stream grpc.ServerStream) error {
	request := new(WatchBalanceRequest)
	if err := stream.RecvMsg(request); err != nil {
		return err
	}
	return srv.(CreditServiceServer).WatchBalance(request, &watchBalanceServer{ServerStream: stream})
}

// CreditServiceDesc describes CreditService for grpc.Server.
var CreditServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalance", Handler: unaryHandler(MethodGetBalance, CreditServiceServer.GetBalance)},
		{MethodName: "IsPurchased", Handler: unaryHandler(MethodIsPurchased, CreditServiceServer.IsPurchased)},
		{MethodName: "PurchaseItem", Handler: unaryHandler(MethodPurchaseItem, CreditServiceServer.PurchaseItem)},
		{MethodName: "Grant", Handler: unaryHandler(MethodGrant, CreditServiceServer.Grant)},
		{MethodName: "ListTransactions", Handler: unaryHandler(MethodListTransactions, CreditServiceServer.ListTransactions)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchBalance", Handler: watchBalanceHandler, ServerStreams: true},
	},
	Metadata: "credit/v1/credit.proto",
}

// CreditServiceClient is the client API for CreditService.
type CreditServiceClient interface {
	GetBalance(ctx context.Context, in *BalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error)
	IsPurchased(ctx context.Context, in *IsPurchasedRequest, opts ...grpc.CallOption) (*IsPurchasedResponse, error)
	PurchaseItem(ctx context.Context, in *PurchaseItemRequest, opts ...grpc.CallOption) (*PurchaseItemResponse, error)
	Grant(ctx context.Context, in *GrantRequest, opts ...grpc.CallOption) (*GrantResponse, error)
	ListTransactions(ctx context.Context, in *ListTransactionsRequest, opts ...grpc.CallOption) (*ListTransactionsResponse, error)
	WatchBalance(ctx context.Context, in *WatchBalanceRequest, opts ...grpc.CallOption) (WatchBalanceClient, error)
}

// WatchBalanceClient is the client side of the WatchBalance stream.
type WatchBalanceClient interface {
	Recv() (*BalanceUpdate, error)
	grpc.ClientStream
}

type creditServiceClient struct {
	connection grpc.ClientConnInterface
}

// NewCreditServiceClient returns a client that speaks the JSON codec.
func NewCreditServiceClient(connection grpc.ClientConnInterface) CreditServiceClient {
	return &creditServiceClient{connection: connection}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (client *creditServiceClient) GetBalance(ctx context.Context, in *BalanceRequest, opts ...grpc.CallOption) (*BalanceResponse, error) {
	out := new(BalanceResponse)
	if err := client.connection.Invoke(ctx, MethodGetBalance, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) IsPurchased(ctx context.Context, in *IsPurchasedRequest, opts ...grpc.CallOption) (*IsPurchasedResponse, error) {
	out := new(IsPurchasedResponse)
	if err := client.connection.Invoke(ctx, MethodIsPurchased, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) PurchaseItem(ctx context.Context, in *PurchaseItemRequest, opts ...grpc.CallOption) (*PurchaseItemResponse, error) {
	out := new(PurchaseItemResponse)
	if err := client.connection.Invoke(ctx, MethodPurchaseItem, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) Grant(ctx context.Context, in *GrantRequest, opts ...grpc.CallOption) (*GrantResponse, error) {
	out := new(GrantResponse)
	if err := client.connection.Invoke(ctx, MethodGrant, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) ListTransactions(ctx context.Context, in *ListTransactionsRequest, opts ...grpc.CallOption) (*ListTransactionsResponse, error) {
	out := new(ListTransactionsResponse)
	if err := client.connection.Invoke(ctx, MethodListTransactions, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (client *creditServiceClient) WatchBalance(ctx context.Context, in *WatchBalanceRequest, opts ...grpc.CallOption) (WatchBalanceClient, error) {
	stream, err := client.connection.NewStream(ctx, &CreditServiceDesc.Streams[0], MethodWatchBalance, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	watcher := &watchBalanceClient{ClientStream: stream}
	if err := watcher.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := watcher.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return watcher, nil
}

type watchBalanceClient struct {
	grpc.ClientStream
}

func (stream *watchBalanceClient) Recv() (*BalanceUpdate, error) {
	update := new(BalanceUpdate)
	if err := stream.ClientStream.RecvMsg(update); err != nil {
		return nil, err
	}
	return update, nil
}

// InsufficientCreditTrailer builds the trailer attached to an insufficient_credit failure.
func InsufficientCreditTrailer(required int64, available int64) metadata.MD {
	return metadata.Pairs(
		TrailerRequired, strconv.FormatInt(required, 10),
		TrailerAvailable, strconv.FormatInt(available, 10),
	)
}

// ParseInsufficientCreditTrailer reads the amounts back from a trailer.
func ParseInsufficientCreditTrailer(trailer metadata.MD) (int64, int64, bool) {
	requiredValues := trailer.Get(TrailerRequired)
	availableValues := trailer.Get(TrailerAvailable)
	if len(requiredValues) == 0 || len(availableValues) == 0 {
		return 0, 0, false
	}
	required, err := strconv.ParseInt(requiredValues[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	available, err := strconv.ParseInt(availableValues[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return required, available, true
}
