package config

import (
	"fmt"
	"os"
	"strings"
)

// Kinds lists the template kinds accepted by Template.
var Kinds = []string{"objectd", "model", "objectctl"}

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "objectd":
		return objectdTemplate, nil
	case "model":
		return modelTemplate, nil
	case "objectctl":
		return objectctlTemplate, nil
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

const objectdTemplate = `addr = "127.0.0.1:7400"
admin_addr = "127.0.0.1:7401"
admin_token = ""
cors_origins = ["http://localhost:3000"]
pool_size = 16
idle_timeout = "5m"
request_timeout = "30s"
shutdown_timeout = "10s"
max_line = 1048576
max_batch = 1024
store = "badger"
store_path = "data/objects"
model_path = "model.toml"
log_level = "info"
`

const modelTemplate = `[properties]
"server.name" = "objectd"

[[types]]
name = "Person"

  [[types.members]]
  name = "name"
  kind = "value"

  [[types.members]]
  name = "manager"
  kind = "reference"
  target = "Person"

  [[types.members]]
  name = "reports"
  kind = "collection"
  target = "Person"

  [[types.members]]
  name = "rename"
  kind = "action"
  client_side = true

[[types]]
name = "Directory"

  [[types.members]]
  name = "people"
  kind = "collection"
  target = "Person"

[[services]]
name = "directory"
type = "Directory"

[[rules]]
type = "Directory"
member = "people"
access = "use"
deny = true

# [[users]]
# name = "ada"
# password_hash = "<objectctl hash output>"
`

const objectctlTemplate = `addr = "127.0.0.1:7400"
user = "ada"
password = ""
connect_timeout = "5s"
read_timeout = "30s"
write_timeout = "15s"
max_line = 1048576
model_path = "model.toml"
`
