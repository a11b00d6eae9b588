package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes the example configuration to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}

// Template is a complete example file; every key shows its default.
const Template = `failover_policy = "any"

[protocol]
max_version = 5
mtu = 131072
max_message_bytes = 16777216
handshake_timeout = "10s"
send_queue = 64

[heartbeat]
interval = "5s"
timeout = "15s"
action = "connection"
per_session = false

[reconnect]
enabled = false
max_attempts = 0
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true

[primary]
kind = "tcp"
address = "127.0.0.1:12345"
connect_timeout = "5s"
security_mode = "development"

[primary.tls]
enabled = false

[log]
level = "info"
format = "console"
`
