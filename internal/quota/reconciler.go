// Package quota implements the Quota Reconciler (spec §4.H): it periodically
// refreshes each upstream's remaining-quota snapshot and account
// classification from the raw getUsageLimits response.
//
// Grounded on the teacher's internal/account/token.go refresh-loop shape
// (ticker-driven, same retry rules as ordinary calls) and tidwall/gjson for
// tolerant field extraction from the upstream's usage JSON, matching
// internal/codec's use of the same library for the event-stream classifier.
package quota

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/yansir/kiro-gateway/internal/credential"
	"github.com/yansir/kiro-gateway/internal/store"
	"github.com/yansir/kiro-gateway/internal/upstream"
)

type Reconciler struct {
	store    *store.Store
	client   *upstream.Client
	creds    *credential.Manager
	interval time.Duration
	logger   *slog.Logger
}

func New(st *store.Store, client *upstream.Client, creds *credential.Manager, interval time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: st, client: client, creds: creds, interval: interval, logger: logger}
}

// Run ticks every interval until ctx is cancelled (spec §4.H).
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.syncDue(ctx)
		}
	}
}

func (r *Reconciler) syncDue(ctx context.Context) {
	due, err := r.store.UpstreamsDueForQuotaSync(ctx, r.interval)
	if err != nil {
		r.logger.Error("list upstreams due for quota sync", "error", err)
		return
	}
	for i := range due {
		if err := r.SyncOne(ctx, &due[i]); err != nil {
			r.logger.Warn("quota sync failed", "upstream", due[i].ID, "error", err)
		}
	}
}

// SyncOne performs a synchronous quota refresh for a single upstream;
// exposed for the admin-triggered single-upstream sync (spec §4.H).
func (r *Reconciler) SyncOne(ctx context.Context, u *store.Upstream) error {
	creds, err := r.creds.EnsureValid(ctx, u, 10*time.Minute)
	if err != nil {
		return err
	}

	raw, err := r.client.GetUsage(ctx, creds, u.UUID)
	if err != nil {
		return err
	}

	snapshot, email, acctType := normalize(raw)
	return r.store.UpdateQuota(ctx, u.ID, snapshot, email, acctType, redactRawUsage(raw))
}

// redactRawUsage overwrites the email field of the raw getUsageLimits body
// with a "[redacted]" placeholder before it's persisted alongside the
// snapshot (no other field is touched); the normalized email and
// account type are already extracted into their own columns, so the stored
// blob only needs to retain the usage breakdown for debugging.
func redactRawUsage(raw []byte) string {
	if !gjson.GetBytes(raw, "email").Exists() {
		return string(raw)
	}
	redacted, err := sjson.SetBytes(raw, "email", "[redacted]")
	if err != nil {
		return string(raw)
	}
	return string(redacted)
}

// normalize sums base + free-trial + active bonus usage/limit pairs out of
// the raw getUsageLimits body (spec §4.H "normalizes the response (sum base
// + free-trial + active bonuses)"), tolerant of whichever of these sections
// the response actually carries.
func normalize(raw []byte) (store.QuotaSnapshot, string, store.AccountType) {
	root := gjson.ParseBytes(raw)

	var used, limit int64
	if v := root.Get("usageBreakdownList"); v.IsArray() {
		for _, entry := range v.Array() {
			used += entry.Get("currentUsage").Int()
			limit += entry.Get("usageLimitWithPrecision").Int()
			if ft := entry.Get("freeTrialInfo"); ft.Exists() {
				used += ft.Get("usageCount").Int()
				limit += ft.Get("usageLimit").Int()
			}
			for _, bonus := range entry.Get("bonuses").Array() {
				if bonus.Get("active").Bool() || !bonus.Get("active").Exists() {
					used += bonus.Get("usageCount").Int()
					limit += bonus.Get("usageLimit").Int()
				}
			}
		}
	} else {
		used = root.Get("currentUsage").Int()
		limit = root.Get("usageLimitWithPrecision").Int()
	}

	percent := 0.0
	if limit > 0 {
		percent = float64(used) / float64(limit) * 100
	}

	snapshot := store.QuotaSnapshot{
		Used:      used,
		Limit:     limit,
		Percent:   percent,
		Exhausted: limit > 0 && used >= limit,
	}

	email := root.Get("email").String()
	acctType := classifyAccountType(root.Get("subscriptionInfo.type").String())
	if acctType == store.AccountUnknown {
		acctType = classifyAccountType(root.Get("subscriptionType").String())
	}
	return snapshot, email, acctType
}

// classifyAccountType derives FREE/PRO/UNKNOWN from a subscription-type
// string (spec §4.H).
func classifyAccountType(subscriptionType string) store.AccountType {
	upper := strings.ToUpper(subscriptionType)
	switch {
	case strings.Contains(upper, "FREE"):
		return store.AccountFree
	case strings.Contains(upper, "PRO"):
		return store.AccountPro
	default:
		return store.AccountUnknown
	}
}
