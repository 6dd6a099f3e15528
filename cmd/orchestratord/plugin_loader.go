package main

import (
	"os"
	"path/filepath"

	"github.com/tenzoki/agenorc/internal/config"
	"github.com/tenzoki/agenorc/internal/registry"
)

// loadSignedPlugin verifies a hot-directory archive's side-car signature
// against cfg's pinned public key and digest table before building its
// Constructor. Until a real plugin binary loader (e.g. Go plugin package
// or a subprocess adapter) is wired in, a verified archive registers as
// an inert agent whose cycles are no-ops — verification admission and
// execution wiring are independent concerns, and this keeps the
// hot-directory scan exercising the full signature-check path end to end.
// With cfg.AllowInsecure set, the signature check is skipped and every
// archive registers as that inert agent (local development only).
func loadSignedPlugin(path string, cfg *config.Config) (*registry.AgentMetadata, error) {
	if cfg.AllowInsecure {
		return &registry.AgentMetadata{
			Name:         filepath.Base(path),
			Construct:    func() registry.Agent { return &inertPluginAgent{} },
			Version:      "plugin",
			Capabilities: map[string]struct{}{"plugin": {}},
		}, nil
	}
	if cfg.PluginPubKeyB64 == "" || cfg.PluginDigestTablePath == "" {
		return nil, &pluginConfigError{"plugin verification is not configured"}
	}

	pubKey, err := registry.DecodePubKey(cfg.PluginPubKeyB64)
	if err != nil {
		return nil, err
	}
	table, err := registry.LoadDigestTable(cfg.PluginDigestTablePath)
	if err != nil {
		return nil, err
	}

	archiveData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sigB64, err := registry.ReadSidecarSignature(path)
	if err != nil {
		return nil, err
	}

	filename := filepath.Base(path)
	if err := registry.VerifyPlugin(filename, archiveData, sigB64, pubKey, table); err != nil {
		return nil, err
	}

	return &registry.AgentMetadata{
		Name:         filename,
		Construct:    func() registry.Agent { return &inertPluginAgent{} },
		Version:      "plugin",
		Capabilities: map[string]struct{}{"plugin": {}},
	}, nil
}

type pluginConfigError struct{ reason string }

func (e *pluginConfigError) Error() string { return e.reason }

// inertPluginAgent stands in for the real execution adapter a verified
// plugin archive would hand off to (subprocess, Go plugin, or similar) —
// that adapter is deployment-specific and out of this orchestrator's
// scope.
type inertPluginAgent struct{}

func (a *inertPluginAgent) RunCycle() error                     { return nil }
func (a *inertPluginAgent) Handle(payload map[string]any) error { return nil }
func (a *inertPluginAgent) Close() error                        { return nil }
