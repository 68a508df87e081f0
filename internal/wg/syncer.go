package wg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/model"

	"github.com/rs/zerolog/log"
)

// Runner 는 외부 명령 실행기다. 테스트에서는 기록만 하는 fake 를 쓴다.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner 는 os/exec 로 명령을 실행한다. (셸을 거치지 않는다)
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// PeerLister 는 syncer 가 읽는 wg_peers 조회다.
type PeerLister interface {
	ListPeers(ctx context.Context) ([]model.Peer, error)
}

// Syncer
// ------------------------------------------------------------
// wg_peers 테이블을 커널 WireGuard interface 에 반영한다.
//
//   - 시작 시 전체 peer 를 적용하고
//   - interval 마다 다시 읽어 새로 생기거나 주소/키가 바뀐 peer 를 적용하고
//   - 테이블에서 사라진 공개키는 interface 에서 제거한다
//
// `wg` 명령이 없으면 (로컬 개발 환경) log-only 모드로 돈다.
// `wg set` 은 다른 peer 와 기존 연결을 건드리지 않으므로 반복 적용해도 안전하다.
type Syncer struct {
	iface    string
	store    PeerLister
	runner   Runner
	interval time.Duration
	metrics  *metrics.Metrics

	// publicKey → host. 이 프로세스가 interface 에 적용한 상태.
	applied map[string]string
	logOnly bool
	probed  bool
}

func NewSyncer(iface string, s PeerLister, r Runner, m *metrics.Metrics, interval time.Duration) *Syncer {
	if r == nil {
		r = ExecRunner{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Syncer{
		iface:    iface,
		store:    s,
		runner:   r,
		interval: interval,
		metrics:  m,
		applied:  make(map[string]string),
	}
}

// Probe 는 `wg --version` 으로 도구가 있는지 확인한다.
func (s *Syncer) Probe(ctx context.Context) {
	s.probed = true
	if _, err := s.runner.Run(ctx, "wg", "--version"); err != nil {
		s.logOnly = true
		log.Warn().Err(err).Msg("wireguard tools not found, peer sync runs in log-only mode")
	}
}

// LogOnly reports whether peer changes are only logged.
func (s *Syncer) LogOnly() bool {
	return s.logOnly
}

// Reconcile 은 테이블 상태와 적용 상태의 차이만 반영한다.
// 실패한 peer 는 applied 에 기록하지 않아서 다음 주기에 다시 시도된다.
func (s *Syncer) Reconcile(ctx context.Context) error {
	if !s.probed {
		s.Probe(ctx)
	}

	peers, err := s.store.ListPeers(ctx)
	if err != nil {
		atomic.AddInt64(&s.metrics.WGSyncErrorsTotal, 1)
		return fmt.Errorf("list peers: %w", err)
	}

	desired := make(map[string]string, len(peers))
	for _, p := range peers {
		if !ValidKey(p.PublicKey) {
			log.Warn().Str("user", p.UserID).Msg("peer has invalid public key, skipped")
			continue
		}
		host, ok := parseHost(p.IPAddress)
		if !ok {
			log.Warn().Str("user", p.UserID).Str("ip_address", p.IPAddress).Msg("peer has invalid address, skipped")
			continue
		}
		desired[p.PublicKey] = host.String()
	}

	var errs []error

	for key, host := range desired {
		if s.applied[key] == host {
			continue
		}
		if err := s.set(ctx, "peer", key, "allowed-ips", host+"/32"); err != nil {
			errs = append(errs, err)
			continue
		}
		s.applied[key] = host
		atomic.AddInt64(&s.metrics.WGPeersAppliedTotal, 1)
		log.Info().Str("peer", short(key)).Str("ip", host).Bool("log_only", s.logOnly).Msg("peer synced")
	}

	for key := range s.applied {
		if _, ok := desired[key]; ok {
			continue
		}
		if err := s.set(ctx, "peer", key, "remove"); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(s.applied, key)
		atomic.AddInt64(&s.metrics.WGPeersRemovedTotal, 1)
		log.Info().Str("peer", short(key)).Bool("log_only", s.logOnly).Msg("peer removed")
	}

	if len(errs) > 0 {
		atomic.AddInt64(&s.metrics.WGSyncErrorsTotal, 1)
	}
	return errors.Join(errs...)
}

func (s *Syncer) set(ctx context.Context, args ...string) error {
	if s.logOnly {
		return nil
	}
	_, err := s.runner.Run(ctx, "wg", append([]string{"set", s.iface}, args...)...)
	return err
}

// Applied 는 현재 적용된 peer 수다.
func (s *Syncer) Applied() int {
	return len(s.applied)
}

// Serve implements suture.Service.
// 주기 reconcile 실패는 로그만 남기고 다음 주기를 기다린다.
func (s *Syncer) Serve(ctx context.Context) error {
	log.Info().Str("iface", s.iface).Dur("interval", s.interval).Msg("wireguard peer sync started")

	if err := s.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("initial peer sync failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				log.Error().Err(err).Msg("peer sync failed")
			}
		}
	}
}

func (s *Syncer) String() string {
	return "wg-sync"
}

func short(key string) string {
	if len(key) > 6 {
		return key[:6] + "..."
	}
	return key
}
