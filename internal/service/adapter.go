package service

import (
	"fmt"
	"os"

	"github.com/kolkov/tunsv/internal/supervisor"
)

// Version is stamped at build time with -ldflags "-X ...service.Version=...".
var Version = "dev"

type supervisorAdapter struct {
	*supervisor.Supervisor
	identity string
}

func (s *supervisorAdapter) Ping() string {
	return s.identity
}

// Identity is the ping reply of the current process.
func Identity() string {
	return fmt.Sprintf("tunsvd %s pid=%d uid=%d", Version, os.Getpid(), os.Geteuid())
}

// AsService exposes a Supervisor as a SupervisorService.
func AsService(s *supervisor.Supervisor) SupervisorService {
	return &supervisorAdapter{Supervisor: s, identity: Identity()}
}
