package router

import (
	"log/slog"
	"time"

	"mercator-hq/saturn/pkg/config"
	"mercator-hq/saturn/pkg/dispatch"
)

// auditPeriod is the fixed interval between audit sweeps.
const auditPeriod = 2 * time.Second

// TransactionInfoItem is one per-worker transaction record. The active
// transaction handle is non-owning; the connection manager owns the
// transaction itself.
type TransactionInfoItem struct {
	activeTrans     DecoderFilterCallbacks
	upstreamRequest *UpstreamRequest
	timestamp       time.Time
	deleted         bool
}

// ActiveTrans returns the transaction's callbacks.
func (i *TransactionInfoItem) ActiveTrans() DecoderFilterCallbacks { return i.activeTrans }

// UpstreamRequest returns the upstream request the transaction is pinned to.
func (i *TransactionInfoItem) UpstreamRequest() *UpstreamRequest { return i.upstreamRequest }

// Timestamp returns the transaction's creation time.
func (i *TransactionInfoItem) Timestamp() time.Time { return i.timestamp }

// ToDelete tombstones the item; the next audit sweep erases it.
func (i *TransactionInfoItem) ToDelete() { i.deleted = true }

// Deleted reports whether the item is tombstoned. Lookups treat a
// tombstoned item as absent.
func (i *TransactionInfoItem) Deleted() bool { return i.deleted }

// workerSlot is the per-worker state of one cluster's TransactionInfo. It is
// only ever touched from its worker's loop.
type workerSlot struct {
	transactions     map[string]*TransactionInfoItem
	upstreamRequests map[string]*UpstreamRequest
	auditTimer       *dispatch.Timer
}

// TransactionInfo is the per-cluster transaction registry. Its state is
// sliced per worker; every method takes the calling worker and only touches
// that worker's slot.
type TransactionInfo struct {
	clusterName        string
	transactionTimeout time.Duration
	ownDomain          string
	domainMatchParam   string

	slots  []*workerSlot
	logger *slog.Logger
}

// NewTransactionInfo creates the registry with one slot per worker in the
// pool and starts each slot's audit timer on its worker.
func NewTransactionInfo(clusterName string, pool *dispatch.Pool, settings *config.SettingsConfig) *TransactionInfo {
	t := &TransactionInfo{
		clusterName:        clusterName,
		transactionTimeout: settings.TransactionTimeout,
		ownDomain:          settings.OwnDomain,
		domainMatchParam:   settings.DomainMatchParameterName,
		slots:              make([]*workerSlot, pool.Size()),
		logger:             slog.Default().With("component", "router.transaction_info", "cluster", clusterName),
	}

	for i, worker := range pool.Workers() {
		slot := &workerSlot{
			transactions:     map[string]*TransactionInfoItem{},
			upstreamRequests: map[string]*UpstreamRequest{},
		}
		t.slots[i] = slot
		slot.auditTimer = worker.NewTimer(func() { t.audit(slot) })
		slot.auditTimer.Reset(auditPeriod)
	}

	return t
}

// ClusterName returns the owning cluster's name.
func (t *TransactionInfo) ClusterName() string { return t.clusterName }

// OwnDomain returns the proxy's configured domain.
func (t *TransactionInfo) OwnDomain() string { return t.ownDomain }

// DomainMatchParamName returns the configured domain-match parameter name.
func (t *TransactionInfo) DomainMatchParamName() string { return t.domainMatchParam }

func (t *TransactionInfo) slot(worker *dispatch.Worker) *workerSlot {
	return t.slots[worker.ID()]
}

// InsertTransaction registers a transaction on the calling worker.
func (t *TransactionInfo) InsertTransaction(worker *dispatch.Worker, transactionID string, activeTrans DecoderFilterCallbacks, upstreamRequest *UpstreamRequest) {
	t.slot(worker).transactions[transactionID] = &TransactionInfoItem{
		activeTrans:     activeTrans,
		upstreamRequest: upstreamRequest,
		timestamp:       activeTrans.StartTime(),
	}
}

// GetTransaction returns the live item for a transaction id. Tombstoned
// items read as absent.
func (t *TransactionInfo) GetTransaction(worker *dispatch.Worker, transactionID string) *TransactionInfoItem {
	item, ok := t.slot(worker).transactions[transactionID]
	if !ok || item.deleted {
		return nil
	}
	return item
}

// DeleteTransaction tombstones a transaction; erasure happens on the next
// audit sweep.
func (t *TransactionInfo) DeleteTransaction(worker *dispatch.Worker, transactionID string) {
	if item, ok := t.slot(worker).transactions[transactionID]; ok {
		item.ToDelete()
	}
}

// InsertUpstreamRequest registers the upstream request serving a host.
func (t *TransactionInfo) InsertUpstreamRequest(worker *dispatch.Worker, host string, ur *UpstreamRequest) {
	t.slot(worker).upstreamRequests[host] = ur
}

// GetUpstreamRequest returns the upstream request serving a host, nil when
// absent.
func (t *TransactionInfo) GetUpstreamRequest(worker *dispatch.Worker, host string) *UpstreamRequest {
	return t.slot(worker).upstreamRequests[host]
}

// DeleteUpstreamRequest removes the upstream request serving a host.
func (t *TransactionInfo) DeleteUpstreamRequest(worker *dispatch.Worker, host string) {
	delete(t.slot(worker).upstreamRequests, host)
}

// forEachPinned visits every live transaction pinned to the given upstream
// request, on the calling worker.
func (t *TransactionInfo) forEachPinned(worker *dispatch.Worker, ur *UpstreamRequest, fn func(id string, item *TransactionInfoItem)) {
	slot := t.slot(worker)
	ids := make([]string, 0, len(slot.transactions))
	for id, item := range slot.transactions {
		if !item.deleted && item.upstreamRequest == ur {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		if item, ok := slot.transactions[id]; ok && !item.deleted {
			fn(id, item)
		}
	}
}

// audit is one sweep of a worker slot: tombstoned entries are erased, aged
// entries are reset. Reset entries are not erased in the same sweep; the
// reset path tombstones them and the next sweep erases. The timer re-arms
// unconditionally.
func (t *TransactionInfo) audit(slot *workerSlot) {
	now := time.Now()

	ids := make([]string, 0, len(slot.transactions))
	for id := range slot.transactions {
		ids = append(ids, id)
	}

	for _, id := range ids {
		item := slot.transactions[id]
		if item == nil {
			continue
		}
		if item.deleted {
			delete(slot.transactions, id)
			continue
		}
		if now.Sub(item.timestamp) >= t.transactionTimeout {
			t.logger.Debug("transaction timed out", "transaction_id", id)
			item.activeTrans.OnReset()
		}
	}

	slot.auditTimer.Reset(auditPeriod)
}

// Shutdown stops every slot's audit timer.
func (t *TransactionInfo) Shutdown() {
	for _, slot := range t.slots {
		slot.auditTimer.Stop()
	}
}

// TransactionInfos holds one TransactionInfo per configured cluster.
type TransactionInfos struct {
	infos map[string]*TransactionInfo
}

// NewTransactionInfos builds the per-cluster registries.
func NewTransactionInfos(clusters map[string]config.ClusterConfig, pool *dispatch.Pool, settings *config.SettingsConfig) *TransactionInfos {
	infos := make(map[string]*TransactionInfo, len(clusters))
	for name := range clusters {
		infos[name] = NewTransactionInfo(name, pool, settings)
	}
	return &TransactionInfos{infos: infos}
}

// Get returns the registry for a cluster, nil when unknown.
func (t *TransactionInfos) Get(cluster string) *TransactionInfo {
	return t.infos[cluster]
}

// Shutdown stops every registry's audit timers.
func (t *TransactionInfos) Shutdown() {
	for _, info := range t.infos {
		info.Shutdown()
	}
}
