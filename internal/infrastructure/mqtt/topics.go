package mqtt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/config"
)

// Logical topics the session itself publishes on.
const (
	// TopicPing carries keepalive pings, addressed as {client}/ping.
	TopicPing = "ping"

	// TopicConnect is the broker-wide beacon announcing a (re)connected client.
	TopicConnect = "connect"
)

// NamespaceMode is the rule that expands a logical topic into wire topics.
type NamespaceMode int

const (
	// Global topics are used unchanged on the wire.
	Global NamespaceMode = iota

	// PerClientLocal topics are prefixed with a client name: once per
	// target when subscribing, or with one explicit target when publishing.
	PerClientLocal

	// PerTarget topics are addressed to exactly one explicit target.
	PerTarget
)

// String returns the config spelling of the mode.
func (m NamespaceMode) String() string {
	switch m {
	case Global:
		return "global"
	case PerClientLocal:
		return "local"
	case PerTarget:
		return "target"
	default:
		return fmt.Sprintf("NamespaceMode(%d)", int(m))
	}
}

// ParseNamespaceMode parses the config spelling of a namespace mode.
func ParseNamespaceMode(s string) (NamespaceMode, error) {
	switch strings.ToLower(s) {
	case "global":
		return Global, nil
	case "local", "":
		return PerClientLocal, nil
	case "target":
		return PerTarget, nil
	default:
		return 0, fmt.Errorf("%w: unknown namespace mode %q", ErrInvalidTopic, s)
	}
}

// Binding describes how one logical topic is addressed and handled.
type Binding struct {
	Name         string
	QoS          byte
	Namespace    NamespaceMode
	Subscribe    bool
	LogOnReceive bool
}

// Identity names this client and the peers it addresses.
// It is immutable once built.
type Identity struct {
	name      string
	targets   []string
	sessionID string
}

// NewIdentity builds an Identity with a fresh session id.
// An empty target list means the client only addresses itself.
func NewIdentity(name string, targets []string) (Identity, error) {
	if !validTopicLevel(name) {
		return Identity{}, fmt.Errorf("%w: client name %q", ErrInvalidTopic, name)
	}
	if len(targets) == 0 {
		targets = []string{name}
	}
	for _, target := range targets {
		if !validTopicLevel(target) {
			return Identity{}, fmt.Errorf("%w: target name %q", ErrInvalidTopic, target)
		}
	}

	return Identity{
		name:      name,
		targets:   append([]string(nil), targets...),
		sessionID: uuid.NewString(),
	}, nil
}

// Name returns the client name.
func (id Identity) Name() string { return id.name }

// Targets returns a copy of the target names, in configured order.
func (id Identity) Targets() []string { return append([]string(nil), id.targets...) }

// SessionID returns the random id assigned when the identity was built.
func (id Identity) SessionID() string { return id.sessionID }

// HasTarget reports whether name is one of the configured targets.
func (id Identity) HasTarget(name string) bool {
	for _, target := range id.targets {
		if target == name {
			return true
		}
	}
	return false
}

// Resolve expands a binding into concrete wire topics.
//
//   - Global: the logical name, unchanged.
//   - PerClientLocal: {target}/{name} for explicitTarget when given,
//     otherwise one topic per identity target, in order.
//   - PerTarget: {explicitTarget}/{name}; explicitTarget is required.
//
// Resolve has no side effects and is safe for concurrent use.
func Resolve(b Binding, id Identity, explicitTarget string) ([]string, error) {
	if explicitTarget != "" && !validTopicLevel(explicitTarget) {
		return nil, fmt.Errorf("%w: target %q", ErrInvalidTopic, explicitTarget)
	}

	switch b.Namespace {
	case Global:
		return []string{b.Name}, nil

	case PerClientLocal:
		if explicitTarget != "" {
			return []string{explicitTarget + "/" + b.Name}, nil
		}
		topics := make([]string, 0, len(id.targets))
		for _, target := range id.targets {
			topics = append(topics, target+"/"+b.Name)
		}
		return topics, nil

	case PerTarget:
		if explicitTarget == "" {
			return nil, fmt.Errorf("%w: topic %q", ErrNoTarget, b.Name)
		}
		return []string{explicitTarget + "/" + b.Name}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidTopic, b.Namespace)
	}
}

// SplitTopic splits a wire topic into its namespace and logical name.
// Global topics have an empty namespace.
func SplitTopic(wire string) (namespace, logical string) {
	i := strings.LastIndexByte(wire, '/')
	if i < 0 {
		return "", wire
	}
	return wire[:i], wire[i+1:]
}

// ApplyOverrides merges per-topic config over role defaults.
//
// Unknown topic names in overrides add new bindings (QoS 0, local, not
// subscribed unless set). The result keeps the order of defaults, followed
// by added topics sorted by name.
func ApplyOverrides(defaults []Binding, overrides map[string]config.TopicConfig) ([]Binding, error) {
	out := append([]Binding(nil), defaults...)
	index := make(map[string]int, len(out))
	for i, b := range out {
		index[b.Name] = i
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		o := overrides[name]
		i, ok := index[name]
		if !ok {
			out = append(out, Binding{Name: name, Namespace: PerClientLocal})
			i = len(out) - 1
			index[name] = i
		}

		b := &out[i]
		if o.QoS != nil {
			if *o.QoS < 0 || *o.QoS > maxQoS {
				return nil, fmt.Errorf("topic %q: %w", name, ErrInvalidQoS)
			}
			b.QoS = byte(*o.QoS)
		}
		if o.Namespace != "" {
			mode, err := ParseNamespaceMode(o.Namespace)
			if err != nil {
				return nil, fmt.Errorf("topic %q: %w", name, err)
			}
			b.Namespace = mode
		}
		if o.Subscribe != nil {
			b.Subscribe = *o.Subscribe
		}
		if o.Log != nil {
			b.LogOnReceive = *o.Log
		}
	}

	return out, nil
}

// validTopicLevel reports whether s can be used as a single topic level.
func validTopicLevel(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#")
}
