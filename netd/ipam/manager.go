package ipam

import (
	"sort"
	"sync"

	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/model"
)

// Plugin is one IPAM backend: the built-in NativeAllocator, or an
// external system reached over its own transport. Manager routes calls
// to a named or default Plugin without needing to know which.
type Plugin interface {
	Type() model.IpamType
	Name() string
	ValidateConfig(cfg model.Ipam) error
	Allocate(req AllocationRequest) (*Allocation, error)
	Release(subnet, ip string) error
	Update(subnet, ip string, mutate func(*Allocation)) (*Allocation, error)
	Get(subnet, ip string) (*Allocation, error)
	ListSubnetIPs(subnet string) ([]*Allocation, error)
	AddSubnet(name, cidr string) error
	RemoveSubnet(name string) error
	GetNextFreeIP(subnet string) (string, error)
	IsIPAvailable(subnet, ip string) (bool, error)
}

// PluginInfo names one registered plugin and its backend type.
type PluginInfo struct {
	Name string
	Type model.IpamType
}

// Manager holds the set of registered IPAM plugins and routes every
// allocation operation to a named plugin, or to the configured default
// when the caller doesn't name one.
type Manager struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
	def     string
}

// NewManager returns an empty Manager with no plugins registered.
func NewManager() *Manager {
	return &Manager{plugins: map[string]Plugin{}}
}

// RegisterPlugin adds plugin to the registry under its own Name,
// replacing any plugin previously registered under that name.
func (m *Manager) RegisterPlugin(plugin Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.plugins[plugin.Name()] = plugin
}

// SetDefaultPlugin designates name as the plugin used when a call
// doesn't specify one. It fails if no plugin is registered under name.
func (m *Manager) SetDefaultPlugin(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plugins[name]; !ok {
		return errs.New(errs.KindNotFound, "ipam plugin %q not found", name).WithField("plugin", name)
	}

	m.def = name

	return nil
}

// GetPlugin returns the plugin registered under name.
func (m *Manager) GetPlugin(name string) (Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.getLocked(name)
}

func (m *Manager) getLocked(name string) (Plugin, error) {
	plugin, ok := m.plugins[name]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "ipam plugin %q not found", name).WithField("plugin", name)
	}

	return plugin, nil
}

// GetDefaultPlugin returns the designated default plugin.
func (m *Manager) GetDefaultPlugin() (Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.def == "" {
		return nil, errs.New(errs.KindNotFound, "no default ipam plugin configured")
	}

	return m.getLocked(m.def)
}

// resolve returns the plugin named by name, or the default plugin when
// name is empty.
func (m *Manager) resolve(name string) (Plugin, error) {
	if name != "" {
		return m.GetPlugin(name)
	}

	return m.GetDefaultPlugin()
}

// ListPlugins returns every registered plugin's name and type, sorted
// by name.
func (m *Manager) ListPlugins() []PluginInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]PluginInfo, 0, len(m.plugins))
	for name, plugin := range m.plugins {
		infos = append(infos, PluginInfo{Name: name, Type: plugin.Type()})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return infos
}

// Allocate routes req to the named plugin, or the default plugin when
// pluginName is empty.
func (m *Manager) Allocate(pluginName string, req AllocationRequest) (*Allocation, error) {
	plugin, err := m.resolve(pluginName)
	if err != nil {
		return nil, err
	}

	return plugin.Allocate(req)
}

// Release routes a release call to the named or default plugin.
func (m *Manager) Release(pluginName, subnet, ip string) error {
	plugin, err := m.resolve(pluginName)
	if err != nil {
		return err
	}

	return plugin.Release(subnet, ip)
}

// Update routes an update call to the named or default plugin.
func (m *Manager) Update(pluginName, subnet, ip string, mutate func(*Allocation)) (*Allocation, error) {
	plugin, err := m.resolve(pluginName)
	if err != nil {
		return nil, err
	}

	return plugin.Update(subnet, ip, mutate)
}

// Get routes a lookup to the named or default plugin.
func (m *Manager) Get(pluginName, subnet, ip string) (*Allocation, error) {
	plugin, err := m.resolve(pluginName)
	if err != nil {
		return nil, err
	}

	return plugin.Get(subnet, ip)
}

// ListSubnetIPs routes to the named or default plugin.
func (m *Manager) ListSubnetIPs(pluginName, subnet string) ([]*Allocation, error) {
	plugin, err := m.resolve(pluginName)
	if err != nil {
		return nil, err
	}

	return plugin.ListSubnetIPs(subnet)
}

// AddSubnet routes to the named or default plugin.
func (m *Manager) AddSubnet(pluginName, name, cidr string) error {
	plugin, err := m.resolve(pluginName)
	if err != nil {
		return err
	}

	return plugin.AddSubnet(name, cidr)
}

// RemoveSubnet routes to the named or default plugin.
func (m *Manager) RemoveSubnet(pluginName, name string) error {
	plugin, err := m.resolve(pluginName)
	if err != nil {
		return err
	}

	return plugin.RemoveSubnet(name)
}

// GetNextFreeIP routes to the named or default plugin.
func (m *Manager) GetNextFreeIP(pluginName, subnet string) (string, error) {
	plugin, err := m.resolve(pluginName)
	if err != nil {
		return "", err
	}

	return plugin.GetNextFreeIP(subnet)
}

// IsIPAvailable routes to the named or default plugin.
func (m *Manager) IsIPAvailable(pluginName, subnet, ip string) (bool, error) {
	plugin, err := m.resolve(pluginName)
	if err != nil {
		return false, err
	}

	return plugin.IsIPAvailable(subnet, ip)
}

// ValidateAllConfigs runs each registered plugin's ValidateConfig
// against the binding named in configs, skipping plugins with no
// corresponding entry.
func (m *Manager) ValidateAllConfigs(configs map[string]model.Ipam) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		cfg, ok := configs[name]
		if !ok {
			continue
		}

		plugin, err := m.GetPlugin(name)
		if err != nil {
			return err
		}

		if err := plugin.ValidateConfig(cfg); err != nil {
			return errs.Wrap(errs.KindInvalidValue, err, "ipam plugin %q validation failed", name)
		}
	}

	return nil
}
