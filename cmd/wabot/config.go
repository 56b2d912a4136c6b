package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
)

const defaultSchedule = "@every 1h"

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type config struct {
	instanceName string
	eventBusURL  string
	dataDir      string
	listenAddr   string
	owner        string
	prefix       string
	schedule     string
}

func parseConfig(args []string, getenv func(string) string, output io.Writer) (config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	envOr := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}

	var cfg config
	fs := flag.NewFlagSet("wabot", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.instanceName, "instance", getenv("INSTANCE_NAME"), "Bot instance name")
	fs.StringVar(&cfg.eventBusURL, "event-bus-url", getenv("EVENT_BUS_URL"), "NATS URL; empty keeps events in process")
	fs.StringVar(&cfg.dataDir, "data-dir", envOr("WHATSAPP_DATA_DIR", "auth_info"), "Working credential directory")
	fs.StringVar(&cfg.listenAddr, "addr", envOr("LISTEN_ADDR", ":3000"), "Listen address for health, QR and metrics endpoints")
	fs.StringVar(&cfg.owner, "owner", getenv("BOT_OWNER"), "Phone number allowed to run owner commands besides the linked device")
	fs.StringVar(&cfg.prefix, "prefix", envOr("BOT_PREFIX", "!"), "Command prefix")
	fs.StringVar(&cfg.schedule, "backup-schedule", envOr("BACKUP_SCHEDULE", defaultSchedule), "Cron schedule for safety backups; \"off\" disables")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(cfg.prefix) == "" {
		return config{}, fmt.Errorf("command prefix must not be empty")
	}
	if cfg.scheduleEnabled() {
		if _, err := scheduleParser.Parse(cfg.schedule); err != nil {
			return config{}, fmt.Errorf("invalid backup schedule %q: %w", cfg.schedule, err)
		}
	}
	return cfg, nil
}

func (c config) scheduleEnabled() bool {
	s := strings.TrimSpace(c.schedule)
	return s != "" && !strings.EqualFold(s, "off")
}
