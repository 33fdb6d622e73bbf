package api

import (
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kolkov/tunsv/internal/supervisor"
)

// Struct field names on the wire.
const (
	fieldExecutablePath = "executable_path"
	fieldConfigPath     = "config_path"
	fieldExtraArgsJSON  = "extra_args_json"
	fieldCode           = "code"
	fieldMessage        = "message"
	fieldRunning        = "running"
	fieldPid            = "pid"
)

type StartRequest struct {
	ExecutablePath string
	ConfigPath     string
	ExtraArgsJSON  string
}

func encodeStartRequest(r StartRequest) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldExecutablePath: structpb.NewStringValue(r.ExecutablePath),
		fieldConfigPath:     structpb.NewStringValue(r.ConfigPath),
		fieldExtraArgsJSON:  structpb.NewStringValue(r.ExtraArgsJSON),
	}}
}

// Missing fields decode as empty strings and fail validation downstream.
func decodeStartRequest(s *structpb.Struct) StartRequest {
	f := s.GetFields()
	return StartRequest{
		ExecutablePath: f[fieldExecutablePath].GetStringValue(),
		ConfigPath:     f[fieldConfigPath].GetStringValue(),
		ExtraArgsJSON:  f[fieldExtraArgsJSON].GetStringValue(),
	}
}

func encodeResult(r supervisor.Result) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldCode:    structpb.NewNumberValue(float64(r.Code)),
		fieldMessage: structpb.NewStringValue(r.Message),
	}}
}

func decodeResult(s *structpb.Struct) supervisor.Result {
	f := s.GetFields()
	return supervisor.Result{
		Code:    int(f[fieldCode].GetNumberValue()),
		Message: f[fieldMessage].GetStringValue(),
	}
}

func encodeStatus(st supervisor.Status) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldRunning: structpb.NewBoolValue(st.Running),
		fieldPid:     structpb.NewNumberValue(float64(st.Pid)),
	}}
}

func decodeStatus(s *structpb.Struct) supervisor.Status {
	f := s.GetFields()
	return supervisor.Status{
		Running: f[fieldRunning].GetBoolValue(),
		Pid:     int(f[fieldPid].GetNumberValue()),
	}
}
