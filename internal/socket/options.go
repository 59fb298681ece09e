package socket

import (
	"fmt"
	"time"

	"github.com/die-net/netsock/internal/transport"
)

type optionGetter interface {
	GetOption(opt transport.Option) (any, error)
}

func boolOption(g optionGetter, opt transport.Option) (bool, error) {
	v, err := g.GetOption(opt)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: unexpected value %T", opt, v)
	}
	return b, nil
}

func intOption(g optionGetter, opt transport.Option) (int, error) {
	v, err := g.GetOption(opt)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("%s: unexpected value %T", opt, v)
	}
	return n, nil
}

func durationOption(g optionGetter, opt transport.Option) (time.Duration, error) {
	v, err := g.GetOption(opt)
	if err != nil {
		return 0, err
	}
	d, ok := v.(time.Duration)
	if !ok {
		return 0, fmt.Errorf("%s: unexpected value %T", opt, v)
	}
	return d, nil
}
