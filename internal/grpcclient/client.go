package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/palmid/internal/license"
	"github.com/example/palmid/internal/logging"
	"github.com/example/palmid/internal/palmerr"
)

const (
	// LicenseServiceName is the fully qualified licensing service.
	LicenseServiceName = "palmid.license.v1.LicenseService"
	// LicenseValidateMethod is the unary validation RPC. Requests and replies
	// are google.protobuf.Struct messages.
	LicenseValidateMethod = "/" + LicenseServiceName + "/Validate"
)

// DialLicenseServer returns a license.Validator backed by the remote licensing
// service.
func DialLicenseServer(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*LicenseClient, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_license_server", "", palmerr.Wrap(palmerr.KindServerConnection, "dial license server", err))
		logger.Error("failed to dial license server", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &LicenseClient{conn: conn, logger: logger}, conn, nil
}

// LicenseClient calls the licensing service over an existing connection.
type LicenseClient struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewLicenseClient wraps conn.
func NewLicenseClient(conn grpc.ClientConnInterface, logger *zap.Logger) *LicenseClient {
	return &LicenseClient{conn: conn, logger: logger}
}

func (c *LicenseClient) Validate(ctx context.Context, req license.Request) (*license.Grant, error) {
	if err := license.CheckRequest(req); err != nil {
		return nil, err
	}
	in, err := structpb.NewStruct(map[string]any{
		"license_id":  req.LicenseID,
		"server_url":  req.ServerURL,
		"auth_method": float64(req.AuthMethod),
	})
	if err != nil {
		return nil, palmerr.Wrap(palmerr.KindSerialization, "encode license request", err)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, LicenseValidateMethod, in, out); err != nil {
		wrapped := logging.NewOperationError("grpcclient.validate_license", req.LicenseID, classify(err))
		c.logger.Error("license validation call failed", zap.Error(wrapped), zap.String("license_id", req.LicenseID))
		return nil, wrapped
	}

	fields := out.GetFields()
	message := fields["message"].GetStringValue()
	if !fields["valid"].GetBoolValue() {
		if message == "" {
			message = "license rejected"
		}
		return nil, palmerr.New(palmerr.KindInvalidLicense, message)
	}
	grant := &license.Grant{LicenseID: req.LicenseID, Message: message}
	if exp := fields["expires_at"].GetStringValue(); exp != "" {
		t, err := time.Parse(time.RFC3339, exp)
		if err != nil {
			return nil, palmerr.Wrap(palmerr.KindSerialization, "decode license expiry", err)
		}
		grant.ExpiresAt = t
	}
	return grant, nil
}

func classify(err error) error {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.InvalidArgument, codes.NotFound:
		return palmerr.Wrap(palmerr.KindInvalidLicense, "license rejected", err)
	default:
		return palmerr.Wrap(palmerr.KindServerConnection, "license server unreachable", err)
	}
}
