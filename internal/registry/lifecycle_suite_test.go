package registry

import (
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/argus-tools/argus/pkg/types"
)

func TestRegistryLifecycle(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Registry Lifecycle Suite")
}

var _ = Describe("Watcher lifecycle in the registry", func() {
	var (
		store *Store
		rec   *types.WatcherRecord
		dead  ReachabilityProbe
	)

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		store = New(filepath.Join(dir, "registry.json"), zap.NewNop())
		dead = func(*types.WatcherRecord) bool { return false }
		now := time.Now().UnixMilli()
		rec = &types.WatcherRecord{
			ID: "w-suite", Host: "127.0.0.1", Port: 9400, PID: 4242,
			Cwd: "/srv/app", StartedAt: now, UpdatedAt: now,
			Source: types.SourceCDP,
		}
	})

	It("announces, heartbeats, and removes cleanly", func() {
		Expect(store.Announce(rec, dead)).To(Succeed())

		before := rec.UpdatedAt
		Expect(store.Heartbeat(rec)).To(Succeed())
		Expect(rec.UpdatedAt).To(BeNumerically(">", before))

		Expect(store.Remove(rec.ID)).To(Succeed())
		reg, warnings := store.Read(time.Now(), DefaultTTL)
		Expect(warnings).To(BeEmpty())
		Expect(reg.Watchers).NotTo(HaveKey(rec.ID))
	})

	It("frees an id once the stale holder ages past the TTL", func() {
		Expect(store.Announce(rec, dead)).To(Succeed())

		// Kill without cleanup: the record lingers with an old timestamp.
		_, err := store.UpdateAtomically(func(reg *types.Registry) error {
			reg.Watchers[rec.ID].UpdatedAt = time.Now().Add(-3 * DefaultTTL).UnixMilli()
			return nil
		})
		Expect(err).NotTo(HaveOccurred())

		removed, err := store.PruneStale(time.Now(), DefaultTTL)
		Expect(err).NotTo(HaveOccurred())
		Expect(removed).To(ConsistOf(rec.ID))

		successor := *rec
		successor.PID = 5353
		Expect(store.Announce(&successor, dead)).To(Succeed())

		reg, _ := store.Read(time.Now(), DefaultTTL)
		Expect(reg.Watchers[rec.ID].PID).To(Equal(5353))
	})

	It("sweeps stale records on every read without touching the file", func() {
		Expect(store.Announce(rec, dead)).To(Succeed())
		_, err := store.UpdateAtomically(func(reg *types.Registry) error {
			reg.Watchers[rec.ID].UpdatedAt = time.Now().Add(-2 * DefaultTTL).UnixMilli()
			return nil
		})
		Expect(err).NotTo(HaveOccurred())

		reg, _ := store.Read(time.Now(), DefaultTTL)
		Expect(reg.Watchers).To(BeEmpty())

		// The on-disk copy still holds the record until a prune runs.
		reg, _ = store.Read(time.Now().Add(-DefaultTTL), DefaultTTL)
		Expect(reg.Watchers).To(HaveKey(rec.ID))
	})
})
