package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arcadia/arcadia-tracker/internal/identity"
	"github.com/arcadia/arcadia-tracker/internal/swarm"
)

// swarmCollector reads store totals at scrape time instead of keeping
// gauges in step with every announce.
type swarmCollector struct {
	index *identity.Index
	store *swarm.Store
	users *swarm.Users

	torrents *prometheus.Desc
	peers    *prometheus.Desc
	seeders  *prometheus.Desc
	leechers *prometheus.Desc
	accounts *prometheus.Desc
	passkeys *prometheus.Desc
}

func newSwarmCollector(index *identity.Index, store *swarm.Store, users *swarm.Users) *swarmCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &swarmCollector{
		index:    index,
		store:    store,
		users:    users,
		torrents: desc("torrents", "Torrents known to the tracker."),
		peers:    desc("peers", "Peer entries across all swarms."),
		seeders:  desc("seeders", "Active seeding peers across all swarms."),
		leechers: desc("leechers", "Active leeching peers across all swarms."),
		accounts: desc("users", "Users known to the tracker."),
		passkeys: desc("passkeys", "Passkeys bound in the identity index."),
	}
}

func (c *swarmCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.torrents
	ch <- c.peers
	ch <- c.seeders
	ch <- c.leechers
	ch <- c.accounts
	ch <- c.passkeys
}

func (c *swarmCollector) Collect(ch chan<- prometheus.Metric) {
	tot := c.store.Totals()
	passkeys, _ := c.index.Len()

	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	gauge(c.torrents, tot.Torrents)
	gauge(c.peers, tot.Peers)
	gauge(c.seeders, tot.Seeders)
	gauge(c.leechers, tot.Leechers)
	gauge(c.accounts, c.users.Len())
	gauge(c.passkeys, passkeys)
}
