package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/decision-core/internal/engine"
	"github.com/miradorstack/decision-core/internal/models"
)

// DecideCall is the domain form of a Decide, ResetQuota or Invalidate message.
type DecideCall struct {
	Service  models.ServiceKey
	Identity models.CallerIdentity
	Request  models.DecisionRequest
}

// FromProtoDecideRequest maps
//
//	{"service", "caller": {"id", "tier", "client_ip"}, "subject_id", "payload"}
//
// into a DecideCall. Struct numbers are doubles, so payload integers above
// 2^53 lose precision on this path; send identifiers of that size as strings.
func FromProtoDecideRequest(req *structpb.Struct) (DecideCall, error) {
	if req == nil {
		return DecideCall{}, fmt.Errorf("request is nil")
	}
	fields := req.GetFields()
	service := fields["service"].GetStringValue()
	if service == "" {
		return DecideCall{}, fmt.Errorf("service is required")
	}

	caller := fields["caller"].GetStructValue().GetFields()
	tier, err := models.ParseTier(caller["tier"].GetStringValue())
	if err != nil {
		return DecideCall{}, err
	}

	var payload map[string]any
	if raw := fields["payload"]; raw != nil {
		if _, ok := raw.GetKind().(*structpb.Value_StructValue); !ok {
			return DecideCall{}, fmt.Errorf("payload must be an object")
		}
		payload = raw.GetStructValue().AsMap()
	}

	return DecideCall{
		Service: models.ServiceKey(service),
		Identity: models.CallerIdentity{
			ID:       caller["id"].GetStringValue(),
			Tier:     tier,
			ClientIP: caller["client_ip"].GetStringValue(),
		},
		Request: models.DecisionRequest{
			SubjectID: fields["subject_id"].GetStringValue(),
			Payload:   payload,
		},
	}, nil
}

// ToProtoDecideResponse converts a pipeline result into its Struct form, using
// the same field names as the HTTP API.
func ToProtoDecideResponse(res engine.Result) (*structpb.Struct, error) {
	return toStruct(res)
}

// ToProtoAck builds the empty acknowledgement returned by admin calls.
func ToProtoAck() *structpb.Struct {
	ack, _ := structpb.NewStruct(map[string]any{"accepted": true})
	return ack
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return structpb.NewStruct(fields)
}
