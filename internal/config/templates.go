package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "host":
		return hostTemplate, nil
	case "loopback":
		return loopbackTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const hostTemplate = `[device]
name = "accel0"
address = "10.0.0.2"
local_address = "10.0.0.1"
timeout = "10s"
capture_dir = "local/captures"
admin_addr = "127.0.0.1:7400"
cors_origins = ["http://localhost:3000"]
lock_dir = "/tmp"
use_sudo = true
tos = 0
socket_buffer = 4194304

[[inputs]]
name = "input_layer1"
frame_size = 150528
local_port = 0
remote_port = 32401
max_payload_size = 1400
sync_enabled = true
frames_per_sync = 1
sync_size = 8
use_dataflow_padding = false
rate_limit = "traffic_control"
rate_bytes_per_sec = 125000000

[[outputs]]
name = "output_layer1"
frame_size = 4000
local_port = 32501
remote_port = 32501
max_payload_size = 1400
sync_enabled = true
frames_per_sync = 1
sync_size = 8
max_timeout_retries = 3
`

const loopbackTemplate = `[device]
name = "devicesim"
address = "127.0.0.1"
local_address = "127.0.0.1"
timeout = "2s"
capture_dir = "local/captures"
admin_addr = "127.0.0.1:7400"

[[inputs]]
name = "in0"
frame_size = 4096
remote_port = 32401
max_payload_size = 1400
sync_enabled = true
frames_per_sync = 2
rate_limit = "token_bucket"
rate_bytes_per_sec = 12500000

[[outputs]]
name = "out0"
frame_size = 4096
local_port = 32501
remote_port = 32501
max_payload_size = 1400
sync_enabled = true
frames_per_sync = 2
max_timeout_retries = 3
`
