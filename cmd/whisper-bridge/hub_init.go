package main

import (
	"log/slog"

	"github.com/duetocode/go-whisper-bridge/internal/hub"
)

func initHub(cfg *appConfig, l *slog.Logger) *hub.Hub {
	h := hub.New()
	h.OutBufSize = cfg.hubBuffer
	policy, ok := hub.PolicyFromString(cfg.hubPolicy)
	if !ok {
		l.Warn("unknown_hub_policy", "policy", cfg.hubPolicy, "used", policy.String())
	}
	h.Policy = policy
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	l.Info("hub_config", "policy", policy.String(), "buffer", h.OutBufSize)
	return h
}
