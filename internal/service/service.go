package service

import "github.com/kolkov/tunsv/internal/supervisor"

// SupervisorService is everything the control channel exposes.
type SupervisorService interface {
	Ping() string
	Start(executablePath, configPath, extraArgsJSON string) supervisor.Result
	Stop() supervisor.Result
	Status() supervisor.Status
	TailLogs(maxLines int) string
}
