// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package grpcsession

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/jllopis/capcore/pkg/errors"
)

// resolve asks the server for the file declaring rec.service and fills in the
// method's message descriptors.
func (h *Handler) resolve(ctx context.Context, rec *record) error {
	client := reflectionpb.NewServerReflectionClient(rec.conn)
	stream, err := client.ServerReflectionInfo(ctx)
	if err != nil {
		return callError(rec, "reflection stream", err)
	}
	defer func() { _ = stream.CloseSend() }()

	if err := stream.Send(&reflectionpb.ServerReflectionRequest{
		MessageRequest: &reflectionpb.ServerReflectionRequest_FileContainingSymbol{
			FileContainingSymbol: rec.service,
		},
	}); err != nil {
		return callError(rec, "reflection send", err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return callError(rec, "reflection recv", err)
	}
	if e := resp.GetErrorResponse(); e != nil {
		return errors.Newf(errors.CodeProtocol, "reflection: %s", e.GetErrorMessage()).
			WithContext("capability_id", rec.key.CapabilityID).
			WithAttribute("grpc.code", codes.Code(e.GetErrorCode()).String())
	}
	fds := resp.GetFileDescriptorResponse()
	if fds == nil {
		return errors.New(errors.CodeProtocol, "reflection: unexpected response", nil).
			WithContext("capability_id", rec.key.CapabilityID)
	}

	files, err := buildFiles(fds.GetFileDescriptorProto())
	if err != nil {
		return errors.New(errors.CodeProtocol, "reflection: invalid descriptors", err).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	desc, err := files.FindDescriptorByName(protoreflect.FullName(rec.service))
	if err != nil {
		return errors.Newf(errors.CodeProtocol, "service %s not described by server", rec.service).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	svc, ok := desc.(protoreflect.ServiceDescriptor)
	if !ok {
		return errors.Newf(errors.CodeInvalidInput, "%s is not a service", rec.service).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	method := svc.Methods().ByName(protoreflect.Name(rec.method))
	if method == nil {
		return errors.Newf(errors.CodeInvalidInput, "service %s has no method %s", rec.service, rec.method).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	if method.IsStreamingClient() || method.IsStreamingServer() {
		return errors.Newf(errors.CodeInvalidInput, "streaming method %s is not supported", rec.fullName).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	rec.input = method.Input()
	rec.output = method.Output()
	return nil
}

// buildFiles registers descriptor protos in dependency order. The reflection
// response does not guarantee ordering, so registration is retried until no file
// makes progress. Files already linked into the binary are reused.
func buildFiles(raw [][]byte) (*protoregistry.Files, error) {
	pending := make([]*descriptorpb.FileDescriptorProto, 0, len(raw))
	for _, b := range raw {
		fd := &descriptorpb.FileDescriptorProto{}
		if err := proto.Unmarshal(b, fd); err != nil {
			return nil, err
		}
		pending = append(pending, fd)
	}

	files := &protoregistry.Files{}
	var lastErr error
	for len(pending) > 0 {
		next := pending[:0]
		for _, fdp := range pending {
			if known, err := protoregistry.GlobalFiles.FindFileByPath(fdp.GetName()); err == nil {
				if err := files.RegisterFile(known); err != nil {
					return nil, err
				}
				continue
			}
			fd, err := protodesc.NewFile(fdp, files)
			if err != nil {
				lastErr = err
				next = append(next, fdp)
				continue
			}
			if err := files.RegisterFile(fd); err != nil {
				return nil, err
			}
		}
		if len(next) == len(pending) {
			return nil, fmt.Errorf("unresolved descriptors: %w", lastErr)
		}
		pending = next
	}
	return files, nil
}

func (h *Handler) invoke(ctx context.Context, rec *record, args map[string]any) (any, error) {
	in := dynamicpb.NewMessage(rec.input)
	if len(args) > 0 {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "encode arguments", err).
				WithContext("capability_id", rec.key.CapabilityID)
		}
		if err := protojson.Unmarshal(data, in); err != nil {
			return nil, errors.Newf(errors.CodeInvalidInput, "arguments do not match %s: %v", rec.input.FullName(), err).
				WithContext("capability_id", rec.key.CapabilityID)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, rec.timeout)
	defer cancel()

	md := metadata.MD{}
	otel.GetTextMapPropagator().Inject(ctx, metadataCarrier(md))
	if rec.token != "" {
		md.Set("authorization", "Bearer "+rec.token)
	}
	ctx = metadata.NewOutgoingContext(ctx, md)

	h.logger.DebugContext(ctx, "grpc session invoke",
		"capability_id", rec.key.CapabilityID, "session_id", string(rec.id), "method", rec.fullName)

	out := dynamicpb.NewMessage(rec.output)
	if err := rec.conn.Invoke(ctx, rec.fullName, in, out); err != nil {
		return nil, callError(rec, "invoke", err)
	}
	data, err := protojson.Marshal(out)
	if err != nil {
		return nil, errors.New(errors.CodeProtocol, "decode response", err).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	result := map[string]any{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.New(errors.CodeProtocol, "decode response", err).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	return result, nil
}

// callError maps a gRPC status onto the capability error taxonomy.
func callError(rec *record, op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.New(errors.CodeTransport, "grpc "+op, err).
			WithContext("capability_id", rec.key.CapabilityID)
	}
	var e *errors.Error
	switch st.Code() {
	case codes.Unimplemented:
		e = errors.New(errors.CodeSessionExpired, "grpc "+op+": "+st.Message(), err)
	case codes.Unavailable, codes.DeadlineExceeded:
		e = errors.New(errors.CodeTransport, "grpc "+op+": "+st.Message(), err).WithRecoverable(true)
	case codes.Canceled:
		e = errors.New(errors.CodeTransport, "grpc "+op+": "+st.Message(), err)
	case codes.InvalidArgument:
		e = errors.New(errors.CodeInvalidInput, "grpc "+op+": "+st.Message(), err)
	default:
		e = errors.New(errors.CodeProtocol, "grpc "+op+": "+st.Message(), err)
	}
	return e.WithContext("capability_id", rec.key.CapabilityID).
		WithAttribute("grpc.code", st.Code().String())
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
