package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"mitm-monitor/internal/config"

	"github.com/rs/zerolog/log"
)

// Source 는 Loop 가 읽는 입력이다. journal 모드면 journalctl 자식 프로세스를 소유한다.
type Source struct {
	io.Reader
	name string
	cmd  *exec.Cmd
}

// OpenSource 는 cfg.Input 에 따라 stdin 또는 journalctl 출력을 연다.
// 자식 프로세스의 stderr 는 그대로 우리 stderr 로 흘려보낸다.
func OpenSource(ctx context.Context, cfg config.Config) (*Source, error) {
	if cfg.Input != "journal" {
		log.Info().Msg("reading from stdin")
		return &Source{Reader: os.Stdin, name: "stdin"}, nil
	}

	args := journalArgs(cfg.MITMUnit)
	cmd := exec.CommandContext(ctx, "journalctl", args...)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("journalctl stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start journalctl: %w", err)
	}

	log.Info().Str("unit", cfg.MITMUnit).Int("pid", cmd.Process.Pid).Msg("reading from journalctl")
	return &Source{Reader: stdout, name: "journalctl", cmd: cmd}, nil
}

func journalArgs(unit string) []string {
	return []string{"-u", unit, "-f", "-o", "cat"}
}

// Close 는 journalctl 을 종료시키고 회수한다. stdin 은 닫지 않는다.
func (s *Source) Close() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()
	return nil
}

func (s *Source) String() string {
	return s.name
}
