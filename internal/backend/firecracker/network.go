package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// CNI bridge settings for microVM networking.
const (
	BridgeName     = "hearthbr0"
	Subnet         = "10.169.0.0/24"
	Gateway        = "10.169.0.1"
	CNINetworkName = "hearth-fcnet"
	CNIVersion     = "1.0.0"
	CNIIfName      = "eth0"
	CNICacheDir    = "/var/lib/cni/cache"
	NetNSRunDir    = "/var/run/netns"
	NetNSPrefix    = "hearth-"
)

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// NetworkConfig is what a VM needs from a CNI ADD.
type NetworkConfig struct {
	TAPDevice     string
	MACAddress    string
	GuestIP       string
	GatewayIP     string
	NamespacePath string
}

// NetworkManager gives each microVM its own network namespace with a TAP
// device bridged to the host.
type NetworkManager struct {
	cniBinDir string
	cni       *libcni.CNIConfig
	confList  *libcni.NetworkConfigList
	logger    *slog.Logger

	mu         sync.Mutex
	namespaces map[string]string // vm id -> namespace path
}

// NewNetworkManager builds the CNI conflist for the bridge network.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	confBytes, err := generateConfList()
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	return &NetworkManager{
		cniBinDir:  cfg.CNIBinDir,
		cni:        libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil),
		confList:   confList,
		logger:     logger,
		namespaces: make(map[string]string),
	}, nil
}

// Setup creates the namespace for vmID and runs CNI ADD in it.
func (nm *NetworkManager) Setup(ctx context.Context, vmID string) (*NetworkConfig, error) {
	nsName := NetNSPrefix + vmID
	nsPath := filepath.Join(NetNSRunDir, nsName)

	if err := runIP("netns", "add", nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}

	rt := &libcni.RuntimeConf{ContainerID: vmID, NetNS: nsPath, IfName: CNIIfName}
	result, err := nm.cni.AddNetworkList(ctx, nm.confList, rt)
	if err == nil {
		var netCfg *NetworkConfig
		if netCfg, err = parseResult(result, nsPath); err == nil {
			nm.mu.Lock()
			nm.namespaces[vmID] = nsPath
			nm.mu.Unlock()
			nm.logger.Debug("network ready", "vm", vmID, "tap", netCfg.TAPDevice, "guest_ip", netCfg.GuestIP)
			return netCfg, nil
		}
		if delErr := nm.cni.DelNetworkList(ctx, nm.confList, rt); delErr != nil {
			nm.logger.Debug("CNI DEL after bad result", "vm", vmID, "error", delErr)
		}
	}

	if nsErr := deleteNetNS(nsName); nsErr != nil {
		nm.logger.Warn("netns cleanup after failed setup", "vm", vmID, "error", nsErr)
	}
	return nil, fmt.Errorf("CNI ADD for %s: %w", vmID, err)
}

// Teardown runs CNI DEL and removes the namespace. Repeated calls are no-ops.
func (nm *NetworkManager) Teardown(ctx context.Context, vmID string) error {
	nm.mu.Lock()
	nsPath, ok := nm.namespaces[vmID]
	delete(nm.namespaces, vmID)
	nm.mu.Unlock()
	if !ok {
		return nil
	}

	rt := &libcni.RuntimeConf{ContainerID: vmID, NetNS: nsPath, IfName: CNIIfName}
	delErr := nm.cni.DelNetworkList(ctx, nm.confList, rt)
	if delErr != nil {
		delErr = fmt.Errorf("CNI DEL for %s: %w", vmID, delErr)
	}
	return errors.Join(delErr, deleteNetNS(NetNSPrefix+vmID))
}

// TeardownAll releases every namespace still tracked.
func (nm *NetworkManager) TeardownAll(ctx context.Context) {
	nm.mu.Lock()
	ids := make([]string, 0, len(nm.namespaces))
	for id := range nm.namespaces {
		ids = append(ids, id)
	}
	nm.mu.Unlock()

	for _, id := range ids {
		if err := nm.Teardown(ctx, id); err != nil {
			nm.logger.Error("teardown failed during shutdown", "vm", id, "error", err)
		}
	}
}

// Verify checks that the required CNI plugins are installed.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(nm.cniBinDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.cniBinDir, strings.Join(missing, ", "))
	}
	return nil
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

func generateConfList() ([]byte, error) {
	data, err := json.Marshal(confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    BridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  Subnet,
					"gateway": Gateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult picks the TAP device tc-redirect-tap created next to the veth.
func parseResult(result types.Result, nsPath string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	netCfg := &NetworkConfig{NamespacePath: nsPath}
	for _, iface := range res.Interfaces {
		if iface.Sandbox == "" {
			continue
		}
		if netCfg.TAPDevice == "" || iface.Name != CNIIfName {
			netCfg.TAPDevice = iface.Name
			netCfg.MACAddress = iface.Mac
		}
	}
	if netCfg.TAPDevice == "" {
		return nil, errors.New("no TAP device in CNI result")
	}

	if len(res.IPs) == 0 {
		return nil, errors.New("no IP address in CNI result")
	}
	netCfg.GuestIP = res.IPs[0].Address.String()
	if gw := res.IPs[0].Gateway; gw != nil {
		netCfg.GatewayIP = gw.String()
	}
	return netCfg, nil
}

func deleteNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(NetNSRunDir, name)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return runIP("netns", "delete", name)
}

func runIP(args ...string) error {
	if out, err := exec.Command("ip", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("ip %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}
