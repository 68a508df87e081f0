package supervisor

import (
	"context"

	"github.com/thejerf/suture/v4"
)

// funcService 는 ctx 를 받아 블록하는 함수를 suture.Service 로 만든다.
type funcService struct {
	name string
	run  func(ctx context.Context) error
}

// Func 는 run 을 name 이라는 이름의 서비스로 감싼다.
// (예: Tracker.Run 을 sweeper 서비스로)
func Func(name string, run func(ctx context.Context) error) suture.Service {
	return &funcService{name: name, run: run}
}

func (f *funcService) Serve(ctx context.Context) error {
	return f.run(ctx)
}

func (f *funcService) String() string {
	return f.name
}
