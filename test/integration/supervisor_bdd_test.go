//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/winmend/internal/daemon"
	"github.com/eliteGoblin/winmend/internal/domain"
	"github.com/eliteGoblin/winmend/internal/infra"
	"github.com/eliteGoblin/winmend/internal/rules"
	"github.com/eliteGoblin/winmend/internal/usecase"
	"github.com/eliteGoblin/winmend/test/fixtures"
)

var _ = Describe("Supervisor", func() {
	var (
		tmpDir     string
		prefix     string
		tools      *fixtures.FakeTools
		statusFile *infra.StatusFile
		supervisor *daemon.Supervisor
		cancel     context.CancelFunc
		done       chan error
	)

	start := func(threshold float64) {
		pm := infra.NewProcessManager("wine", filepath.Join(tmpDir, "default-prefix"), tools.Path("winetricks"), tools.Path("regedit"))
		tailer := infra.NewTailer(pm, 20*time.Millisecond, zap.NewNop())
		executor := infra.NewExecutor(infra.NewDefaultToolSet(tools.Path("winetricks"), tools.Path("regedit")), zap.NewNop())
		analyzer := usecase.NewAnalyzer(tailer, usecase.NewEngine(rules.NewDefaultTable()), executor,
			usecase.AnalyzerConfig{Threshold: threshold}, nil, zap.NewNop())

		supervisor = daemon.NewSupervisor(daemon.SupervisorConfig{ScanInterval: 50 * time.Millisecond},
			pm, analyzer, pm, nil, zap.NewNop(), statusFile)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		done = make(chan error, 1)
		go func() { done <- supervisor.Run(ctx) }()
	}

	trackedPIDs := func() []int {
		snap, err := statusFile.Read()
		if err != nil {
			return nil
		}
		pids := make([]int, 0, len(snap.Processes))
		for _, p := range snap.Processes {
			pids = append(pids, p.PID)
		}
		return pids
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "winmend-integration-*")
		Expect(err).NotTo(HaveOccurred())

		prefix = filepath.Join(tmpDir, "prefix")
		Expect(os.MkdirAll(prefix, 0755)).To(Succeed())

		tools, err = fixtures.NewFakeTools(tmpDir, 0)
		Expect(err).NotTo(HaveOccurred())

		statusFile = infra.NewStatusFileWithPath(filepath.Join(tmpDir, "status.json"))
	})

	AfterEach(func() {
		if cancel != nil {
			cancel()
			Eventually(done, 5*time.Second).Should(Receive())
		}
		os.RemoveAll(tmpDir)
	})

	Describe("missing runtime DLL", func() {
		Context("when confidence meets the threshold", func() {
			It("should install the winetricks verb into the process prefix once", func() {
				procDir := filepath.Join(tmpDir, "proc")
				Expect(os.MkdirAll(procDir, 0755)).To(Succeed())
				wine, err := fixtures.StartFakeWineProcess(procDir, prefix,
					`echo '0024:err:module:import_dll Library MSVCP140.dll not found' >&2
echo '0024:err:module:import_dll Library MSVCP140.dll not found' >&2
sleep 2`)
				Expect(err).NotTo(HaveOccurred())
				defer wine.Stop()

				start(0.9)

				Eventually(trackedPIDs, 3*time.Second, 20*time.Millisecond).Should(ContainElement(wine.PID()))
				Eventually(func() []string { return tools.Calls("winetricks") }, 5*time.Second, 20*time.Millisecond).
					Should(Equal([]string{prefix + " -q vcrun2019"}))

				snap, err := statusFile.Read()
				Expect(err).NotTo(HaveOccurred())
				Expect(snap.ServicePID).To(Equal(os.Getpid()))
			})
		})

		Context("when confidence is below the threshold", func() {
			It("should never run a tool", func() {
				procDir := filepath.Join(tmpDir, "proc")
				Expect(os.MkdirAll(procDir, 0755)).To(Succeed())
				wine, err := fixtures.StartFakeWineProcess(procDir, prefix,
					`echo '0024:err:module:import_dll Library d3dx9_43.dll not found' >&2; sleep 1`)
				Expect(err).NotTo(HaveOccurred())
				defer wine.Stop()

				start(0.99)

				Eventually(trackedPIDs, 3*time.Second, 20*time.Millisecond).Should(ContainElement(wine.PID()))
				Consistently(func() []string { return tools.Calls("winetricks") }, 500*time.Millisecond).Should(BeEmpty())
			})
		})
	})

	Describe("registry fix", func() {
		It("should import a REGEDIT4 file", func() {
			procDir := filepath.Join(tmpDir, "proc")
			Expect(os.MkdirAll(procDir, 0755)).To(Succeed())
			wine, err := fixtures.StartFakeWineProcess(procDir, prefix,
				`echo '0114:err:d3d fixme:d3d:wined3d_select_feature_level none supported' >&2; sleep 2`)
			Expect(err).NotTo(HaveOccurred())
			defer wine.Stop()

			start(0.9)

			Eventually(func() []string { return tools.Calls("regedit") }, 5*time.Second, 20*time.Millisecond).Should(HaveLen(1))
			Expect(tools.LastRegistryFile()).To(HavePrefix(infra.RegistryHeader + "\n\n[HKEY_CURRENT_USER\\Software\\Wine\\Direct3D]"))
		})
	})

	Describe("process exit", func() {
		It("should drop the pid from the published snapshot", func() {
			procDir := filepath.Join(tmpDir, "proc")
			Expect(os.MkdirAll(procDir, 0755)).To(Succeed())
			wine, err := fixtures.StartFakeWineProcess(procDir, prefix, `sleep 0.3`)
			Expect(err).NotTo(HaveOccurred())

			start(0.9)

			Eventually(trackedPIDs, 3*time.Second, 20*time.Millisecond).Should(ContainElement(wine.PID()))
			Eventually(wine.Done(), 3*time.Second).Should(BeClosed())
			Eventually(trackedPIDs, 3*time.Second, 20*time.Millisecond).ShouldNot(ContainElement(wine.PID()))
			Eventually(supervisor.ActiveWorkers, 3*time.Second, 20*time.Millisecond).Should(BeEmpty())
		})
	})

	Describe("no wine processes", func() {
		It("should publish an empty snapshot", func() {
			start(0.9)

			Eventually(func() bool {
				_, err := os.Stat(statusFile.Path())
				return err == nil
			}, 3*time.Second, 20*time.Millisecond).Should(BeTrue())

			snap, err := statusFile.Read()
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.ServicePID).To(Equal(os.Getpid()))
			Expect(snap.Processes).NotTo(BeNil())
		})
	})
})

var _ = Describe("Rule database", func() {
	var (
		tmpDir string
		rdb    *infra.RuleDatabase
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "winmend-rules-*")
		Expect(err).NotTo(HaveOccurred())

		dbPath := filepath.Join(tmpDir, "knowledge.db")
		rdb, err = infra.OpenEncryptedRuleDatabase(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		rdb.Close()
		os.RemoveAll(tmpDir)
	})

	It("should seed, import and match in insertion order", func() {
		ctx := context.Background()
		_, err := rdb.Seed(ctx)
		Expect(err).NotTo(HaveOccurred())

		imported, err := rules.ParseYAML([]byte(`
rules:
  - signature: xaudio2_7.dll
    tool: winetricks
    argument: xact
    confidence: 0.8
  - signature: msvcp140.dll
    tool: winetricks
    argument: ignored-duplicate
`))
		Expect(err).NotTo(HaveOccurred())
		n, err := rdb.Import(ctx, imported)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))

		table, err := rdb.Table(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(table.Len()).To(Equal(len(rules.Seed()) + 1))

		engine := usecase.NewEngine(table)
		d := engine.Match("err:module:import_dll Library XAudio2_7.dll not found", "/p")
		Expect(d).NotTo(BeNil())
		Expect(d.Identity()).To(Equal(domain.FixIdentity{Kind: domain.KindPackageFix, Argument: "xact"}))
		Expect(d.Confidence).To(Equal(0.8))

		Expect(engine.Match("err: msvcp140.dll", "/p").Argument()).To(Equal("vcrun2019"))
	})
})
