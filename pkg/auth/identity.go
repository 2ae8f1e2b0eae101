package auth

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/facebookgo/atomicfile"
	"github.com/google/uuid"
)

// Identity names a device on the bus. It does not change during a run.
type Identity struct {
	DeviceID   string `json:"device_id"`
	ClientName string `json:"client_name"`
	AuthName   string `json:"auth_name"`
}

// DeriveDeviceID returns configured when set, otherwise
// bitnet-<hostname>-<last 6 hex digits of the node id>.
func DeriveDeviceID(configured string) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	node := hex.EncodeToString(uuid.NodeID())
	if len(node) > 6 {
		node = node[len(node)-6:]
	}
	return fmt.Sprintf("bitnet-%s-%s", hostname, node)
}

// DefaultClientName is used when neither a registration record nor
// configuration provides one.
func DefaultClientName(deviceID string) string {
	return "device-" + deviceID
}

func DefaultAuthName(deviceID string) string {
	return deviceID + "-authnID"
}

// withDefaults fills empty names from fallback, then from the derived defaults.
func (i Identity) withDefaults(fallback Identity) Identity {
	if i.ClientName == "" {
		i.ClientName = fallback.ClientName
	}
	if i.AuthName == "" {
		i.AuthName = fallback.AuthName
	}
	if i.ClientName == "" {
		i.ClientName = DefaultClientName(i.DeviceID)
	}
	if i.AuthName == "" {
		i.AuthName = DefaultAuthName(i.DeviceID)
	}
	return i
}

// Save stores the registration record with 0600 permissions.
func (i Identity) Save(path string) error {
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return err
	}
	f, err := atomicfile.New(path, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Abort()
		return err
	}
	return f.Close()
}

// LoadIdentity reads a registration record. A missing file is not an error;
// it yields an Identity with only DeviceID set.
func LoadIdentity(path, deviceID string) (Identity, error) {
	id := Identity{DeviceID: deviceID}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return id, nil
	}
	if err != nil {
		return id, err
	}
	var stored Identity
	if err := json.Unmarshal(data, &stored); err != nil {
		return id, fmt.Errorf("parse registration record %s: %w", path, err)
	}
	if stored.DeviceID != "" && stored.DeviceID != deviceID {
		return id, fmt.Errorf("registration record %s belongs to %s", path, stored.DeviceID)
	}
	id.ClientName = stored.ClientName
	id.AuthName = stored.AuthName
	return id, nil
}
