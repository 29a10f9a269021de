package server

import (
	"fmt"
	"io"

	"github.com/stephnangue/wearlink/config"
)

// devWebhookLog is where dev mode records accepted webhooks.
const devWebhookLog = "__dev__/webhooks_recent.jsonl"

// applyDevDefaults fills every missing backend with its in-process variant
// and turns on webhook recording. Vendor blocks still have to come from the
// config file.
func applyDevDefaults(conf *config.Config) {
	if conf.Storage == nil {
		conf.Storage = &config.BackendBlock{Type: "inmem"}
	}
	if conf.KMS == nil {
		conf.KMS = &config.BackendBlock{Type: "aead"}
	}
	if conf.Queue == nil {
		conf.Queue = &config.BackendBlock{Type: "memory"}
	}
	if conf.WebhookLog == nil {
		conf.WebhookLog = &config.WebhookLogBlock{Path: devWebhookLog}
	}
	if conf.LogLevel == "" {
		conf.LogLevel = "debug"
	}
}

// printDevWarning prints the dev mode banner.
func printDevWarning(w io.Writer) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "WARNING! dev mode is enabled! Backends missing from the config run\n")
	fmt.Fprintf(w, "in memory and tokens are sealed with a key generated at startup.\n")
	fmt.Fprintf(w, "All grants are lost on restart. Do NOT run dev mode in production!\n")
	fmt.Fprintf(w, "\n")
}
