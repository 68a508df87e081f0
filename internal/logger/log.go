// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"mitm-monitor/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// 애플리케이션 시작 시 한 번만 호출되는 로거 초기화 함수입니다.
// Config 설정(환경변수)에 따라 '개발자용 화면' 또는 '운영용 시스템 로그'로
// 자동으로 형태를 바꾸어 설정합니다.
//
// [주요 기능]
//
//  1. 로그 포맷 자동 전환:
//     - 개발 환경 (LOG_PRETTY=true): 색상이 들어간 텍스트
//     - 운영 환경 (LOG_PRETTY=false): JSON 한 줄 (journald / 수집기 친화)
//
//  2. 출력 대상은 항상 stderr:
//     - stdout 은 정제된 flow JSON 스트림 전용이다.
//     - 로그가 stdout 에 섞이면 downstream 소비자가 라인을 파싱하지 못한다.
//
//  3. 공통 필드 자동 추가:
//     - 모든 로그에 "service", "instance" 정보가 붙습니다.
//
//  4. 로그 샘플링:
//     - Debug/Info 레벨은 LOG_SAMPLE_N 개 중 1개만 기록합니다.
//     - Warn/Error 는 100% 기록합니다.
//
// 사용 예:
//
//	logger.Init(cfg)
//	log.Info().Str("input", cfg.Input).Msg("monitor started")
func Init(cfg config.Config) {
	InitWriter(cfg, os.Stderr)
}

// InitWriter 는 출력 대상을 직접 지정한다. (테스트 / CLI 보조 명령용)
func InitWriter(cfg config.Config, out io.Writer) {

	// -------------------------------------------------------------------
	// 1) 로그 레벨 결정
	// -------------------------------------------------------------------
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && l != zerolog.NoLevel {
		level = l
	}

	zerolog.SetGlobalLevel(level)

	// -------------------------------------------------------------------
	// 2) 출력 방식 결정 (사람 vs 기계)
	// -------------------------------------------------------------------
	var w io.Writer

	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	} else {
		w = out
	}

	// -------------------------------------------------------------------
	// 3) 기본 Logger 생성 (공통 태그 부착)
	// -------------------------------------------------------------------
	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	// -------------------------------------------------------------------
	// 4) 샘플링 설정
	// -------------------------------------------------------------------
	logger := base

	if cfg.LogSampleN > 1 {
		logger = base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}

	// -------------------------------------------------------------------
	// 5) 전역 Logger 교체
	// -------------------------------------------------------------------
	zlog.Logger = logger
	zerolog.DefaultContextLogger = &zlog.Logger

	// 표준 log 패키지 출력도 zerolog 로 돌린다.
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}
