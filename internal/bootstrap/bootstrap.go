// Package bootstrap supplies the overlay with everything a bootstrap
// provider decides: a size, a rank, a parent URI, peer public keys, and
// a hostlist. Only the config-file provider is concrete here; PMI and
// FLUB bootstrap are driven by collaborators outside this repository.
package bootstrap

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/satori/go.uuid.v1"

	"golang.org/x/xerrors"

	"go.flux.dev/overlay/cert"
	"go.flux.dev/overlay/topology"
)

// Info is everything a Provider hands back to the broker at startup.
type Info struct {
	Size                int
	Rank                int
	UUID                string
	Hostname            string
	BindURI             string // "" for a leaf rank
	ParentURI           string // "" for rank 0
	ParentPublic        string // "" for rank 0
	TopologyURI         string
	Hosts               []topology.HostEntry // only populated for scheme "custom"
	View                *topology.View
	Cert                *cert.Cert
	AuthorizedChildKeys map[int]string // child rank -> expected public key
	Hostlist            string         // RFC-29 style compact broker.hostlist
	Mapping             string         // broker.mapping
}

// Provider is implemented by each concrete bootstrap strategy.
type Provider interface {
	Bootstrap() (Info, error)
}

// RankEntry is one row of a config-file bootstrap manifest: a hostname
// and the URI it binds on (empty for a leaf).
type RankEntry struct {
	Hostname  string `toml:"hostname"`
	BindURI   string `toml:"bind_uri"`
	PublicKey string `toml:"public_key"`
}

// ConfigFile is the TOML shape read by ConfigFileProvider, mapping
// rank index (array position) to its entry, plus the shared topology
// scheme and certificate path.
type ConfigFile struct {
	Topology  string      `toml:"topology"`
	CurveCert string      `toml:"curve_cert"`
	Ranks     []RankEntry `toml:"ranks"`
}

// ConfigFileProvider implements the config-file bootstrap strategy:
// the config maps hostnames to rank indices and per-rank bind
// URIs, the shared cert is loaded from curve_cert, and this broker's
// own rank/bind/parent URIs are deduced from its hostname.
type ConfigFileProvider struct {
	cfg      ConfigFile
	hostname string
}

// LoadConfigFile parses path as TOML into a ConfigFileProvider for the
// given local hostname.
func LoadConfigFile(path, hostname string) (*ConfigFileProvider, error) {
	var cfg ConfigFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, xerrors.Errorf("bootstrap: decoding %s: %v", path, err)
	}
	return &ConfigFileProvider{cfg: cfg, hostname: hostname}, nil
}

// Bootstrap implements Provider.
func (p *ConfigFileProvider) Bootstrap() (Info, error) {
	size := len(p.cfg.Ranks)
	if size == 0 {
		return Info{}, xerrors.New("bootstrap: config file names no ranks")
	}

	rank := -1
	for r, entry := range p.cfg.Ranks {
		if entry.Hostname == p.hostname {
			rank = r
			break
		}
	}
	if rank < 0 {
		return Info{}, xerrors.Errorf("bootstrap: hostname %q not found in config", p.hostname)
	}

	topoURI := p.cfg.Topology
	if topoURI == "" {
		topoURI = "flat"
	}

	var hosts []topology.HostEntry
	if strings.HasPrefix(topoURI, "custom") {
		hosts = make([]topology.HostEntry, size)
		byRank := func(r int) string {
			if r < 0 {
				return ""
			}
			return p.cfg.Ranks[r].Hostname
		}
		for r, entry := range p.cfg.Ranks {
			parent := ""
			if r != 0 {
				// The config file's custom scheme doesn't separately
				// encode per-rank parents; it inherits the overlay's
				// natural rank-0-is-root shape unless a future config
				// format adds an explicit parent column.
				parent = byRank(0)
			}
			hosts[r] = topology.HostEntry{Host: entry.Hostname, Parent: parent}
		}
	}

	topo, err := topology.New(topoURI, size, hosts)
	if err != nil {
		return Info{}, xerrors.Errorf("bootstrap: building topology: %v", err)
	}
	view, err := topo.WithRank(rank)
	if err != nil {
		return Info{}, err
	}

	var c *cert.Cert
	if p.cfg.CurveCert != "" {
		c, err = cert.ReadFile(p.cfg.CurveCert)
		if err != nil {
			return Info{}, xerrors.Errorf("bootstrap: loading shared cert: %v", err)
		}
	} else {
		c, err = cert.Create()
		if err != nil {
			return Info{}, xerrors.Errorf("bootstrap: generating cert: %v", err)
		}
	}

	info := Info{
		Size: size, Rank: rank, UUID: uuid.NewV4().String(), Hostname: p.hostname,
		BindURI: p.cfg.Ranks[rank].BindURI, TopologyURI: topoURI,
		Hosts: hosts, View: view, Cert: c,
		AuthorizedChildKeys: make(map[int]string),
	}

	parentRank := view.GetParent()
	if parentRank >= 0 {
		info.ParentURI = p.cfg.Ranks[parentRank].BindURI
		info.ParentPublic = p.cfg.Ranks[parentRank].PublicKey
	}
	for _, childRank := range view.GetChildRanks(0) {
		info.AuthorizedChildKeys[childRank] = p.cfg.Ranks[childRank].PublicKey
	}

	info.Hostlist = compactHostlist(p.cfg.Ranks)
	info.Mapping = compactMapping(size)

	return info, nil
}

// compactHostlist renders an RFC-29 style compact hostlist: a
// comma-separated, sorted-by-rank list of hostnames. The real RFC-29
// encoding additionally runs repeated hostnames through a range
// compressor (host[0-3]); that optimization is out of scope here since
// the config-file provider is the only concrete bootstrap strategy and
// its hostlists are small.
func compactHostlist(ranks []RankEntry) string {
	names := make([]string, len(ranks))
	for r, e := range ranks {
		names[r] = e.Hostname
	}
	return strings.Join(names, ",")
}

// compactMapping renders broker.mapping as the simplest faithful
// encoding: the bare rank range "0-<size-1>" meaning one process per
// rank on a single node entry, since the config-file provider has no multi-node
// packing information beyond the per-rank hostname already captured in
// the hostlist.
func compactMapping(size int) string {
	if size == 0 {
		return ""
	}
	return fmt.Sprintf("0-%d", size-1)
}
