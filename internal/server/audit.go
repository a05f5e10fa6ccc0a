package server

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/glinharesb/yubihsm-enroll/internal/audit"
	"github.com/glinharesb/yubihsm-enroll/internal/hostrpc"
)

// QueryAudit answers with {"entries": [...]} for the filter fields
// operation, subject, status, since (RFC 3339) and limit.
func (s *NativeHostServer) QueryAudit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f, err := filterFromStruct(req)
	if err != nil {
		return nil, err
	}

	entries := s.audit.Query(f)
	if entries == nil {
		entries = []audit.Entry{}
	}
	data, err := json.Marshal(map[string]any{"entries": entries})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode entries: %v", err)
	}
	out, err := hostrpc.ToStruct(data)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "entries: %v", err)
	}
	return out, nil
}

func filterFromStruct(req *structpb.Struct) (audit.Filter, error) {
	var f audit.Filter
	fields := req.GetFields()

	f.Operation = fields["operation"].GetStringValue()
	f.Subject = fields["subject"].GetStringValue()
	f.Status = fields["status"].GetStringValue()
	f.Limit = int(fields["limit"].GetNumberValue())

	if since := fields["since"].GetStringValue(); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return f, status.Errorf(codes.InvalidArgument, "since: %v", err)
		}
		f.Start = t
	}
	return f, nil
}
