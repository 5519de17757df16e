package registry

import (
	"fmt"
	"time"
)

// Option configures a registration.
type Option func(*Entry) error

// WithSyncGroup gates the handler behind the named sync groups.
// Declaring the same group twice is rejected since serial groups are not reentrant.
func WithSyncGroup(names ...string) Option {
	return func(e *Entry) error {
		for _, name := range names {
			if name == "" {
				return fmt.Errorf("同步组名称不能为空")
			}
			for _, existing := range e.SyncGroups {
				if existing == name {
					return fmt.Errorf("同步组重复声明: %s", name)
				}
			}
			e.SyncGroups = append(e.SyncGroups, name)
		}
		return nil
	}
}

// WithContexts declares ambient contexts the handler needs.
func WithContexts(names ...string) Option {
	return func(e *Entry) error {
		e.Contexts = append(e.Contexts, names...)
		return nil
	}
}

// WithStates declares persistent states the handler needs.
func WithStates(names ...string) Option {
	return func(e *Entry) error {
		e.States = append(e.States, names...)
		return nil
	}
}

// WithTimeout bounds each invocation.
func WithTimeout(d time.Duration) Option {
	return func(e *Entry) error {
		if d < 0 {
			return fmt.Errorf("超时时间不能为负数: %v", d)
		}
		e.Timeout = d
		return nil
	}
}

// WithRecoverableTimeout reports timeouts as ERROR instead of CRITICAL.
func WithRecoverableTimeout() Option {
	return func(e *Entry) error {
		e.RecoverableTimeout = true
		return nil
	}
}

// WithProvisionHooks installs callbacks for PROVIDE and UNPROVIDE.
func WithProvisionHooks(provide, unprovide ProvisionHook) Option {
	return func(e *Entry) error {
		e.Provide = provide
		e.Unprovide = unprovide
		return nil
	}
}
