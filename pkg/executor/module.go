// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"strings"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	kerrors "github.com/jllopis/capcore/pkg/errors"
	"github.com/jllopis/capcore/pkg/manifest"
)

// Metadata keys read by ModuleExecutor.
const (
	MetaModuleTarget     = "remote_module_target"
	MetaModuleMethod     = "remote_module_method"
	MetaModuleAuthEnvVar = "remote_module_auth_env_var"
	MetaModuleTLS        = "remote_module_tls"
)

// Module host service coordinates.
const (
	ModuleHostService   = "capcore.module.v1.ModuleHost"
	DefaultModuleMethod = "/" + ModuleHostService + "/Invoke"
)

// ModuleExecutor invokes remote modules over gRPC. Requests and responses are
// google.protobuf.Struct values: {"capability_id": id, "inputs": {...}}.
type ModuleExecutor struct {
	dialOpts []grpc.DialOption
	opts     options
}

// NewModuleExecutor creates a remote module executor. dialOpts are appended to the
// defaults on every dial.
func NewModuleExecutor(dialOpts []grpc.DialOption, opts ...Option) *ModuleExecutor {
	return &ModuleExecutor{dialOpts: dialOpts, opts: newOptions(opts)}
}

// Execute implements Executor. A connection is dialed per call and closed before
// returning.
func (e *ModuleExecutor) Execute(ctx context.Context, m manifest.Manifest, args map[string]any) (any, error) {
	target := strings.TrimSpace(m.MetaOr(MetaModuleTarget, ""))
	if target == "" {
		return nil, kerrors.Newf(kerrors.CodeInvalidInput, "capability %q has no %s", m.ID, MetaModuleTarget).
			WithContext("capability_id", m.ID)
	}
	method := m.MetaOr(MetaModuleMethod, DefaultModuleMethod)
	token, err := e.opts.credential(m, MetaModuleAuthEnvVar)
	if err != nil {
		return nil, err
	}
	request, err := moduleRequest(m.ID, args)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "encode module inputs", err).
			WithContext("capability_id", m.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.callTimeout(m, "remote_module"))
	defer cancel()

	creds := insecure.NewCredentials()
	if m.MetaOr(MetaModuleTLS, "") == "true" {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, e.dialOpts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, transportError(m, "dial module host", err)
	}
	defer conn.Close()

	md := metadata.MD{}
	otel.GetTextMapPropagator().Inject(ctx, metadataCarrier(md))
	if token != "" {
		md.Set("authorization", bearer(token))
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	e.opts.logger.DebugContext(ctx, "module executor invoke",
		"capability_id", m.ID, "target", target, "method", method)

	response := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, request, response); err != nil {
		return nil, moduleError(m, err)
	}
	return response.AsMap(), nil
}

func moduleRequest(id string, args map[string]any) (*structpb.Struct, error) {
	inputs, err := normalize(args)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"capability_id": id,
		"inputs":        inputs,
	})
}

// normalize converts arbitrary Go values into the JSON shapes structpb accepts.
func normalize(args map[string]any) (map[string]any, error) {
	if len(args) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func moduleError(m manifest.Manifest, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return transportError(m, "module invoke", err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return kerrors.New(kerrors.CodeTransport, "module invoke: "+st.Message(), err).
			WithContext("capability_id", m.ID).
			WithAttribute("grpc.code", st.Code().String()).
			WithRecoverable(st.Code() != codes.Canceled)
	default:
		return kerrors.New(kerrors.CodeProtocol, "module invoke: "+st.Message(), err).
			WithContext("capability_id", m.ID).
			WithAttribute("grpc.code", st.Code().String())
	}
}

// ModuleFunc implements a module host invocation.
type ModuleFunc func(ctx context.Context, capabilityID string, inputs map[string]any) (map[string]any, error)

// RegisterModuleHost serves fn as the module host Invoke method on s.
func RegisterModuleHost(s *grpc.Server, fn ModuleFunc) {
	desc := grpc.ServiceDesc{
		ServiceName: ModuleHostService,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Invoke",
			Handler: func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				handler := func(ctx context.Context, req any) (any, error) {
					fields := req.(*structpb.Struct).AsMap()
					id, _ := fields["capability_id"].(string)
					inputs, _ := fields["inputs"].(map[string]any)
					out, err := fn(ctx, id, inputs)
					if err != nil {
						return nil, err
					}
					return structpb.NewStruct(out)
				}
				if interceptor == nil {
					return handler(ctx, in)
				}
				return interceptor(ctx, in, &grpc.UnaryServerInfo{FullMethod: DefaultModuleMethod}, handler)
			},
		}},
	}
	s.RegisterService(&desc, struct{}{})
}

type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	values := metadata.MD(c).Get(key)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	return out
}
