// Command kernel boots the paging subsystem standalone: it parses the
// sizing knobs limits.Config_t carries, brings up vm.System, spins every
// configured core through the two-flag boot handshake, and serves
// Prometheus metrics until interrupted.
//
// Grounded on biscuit's own chentry.go for flag-driven, log.Fatal-on-bad-
// input command style, generalized from chentry's single positional
// address argument to a full set of pflag-parsed boot knobs; the
// phys-init-then-spin-up-cores shape follows the x86 biscuit kernel
// main()'s boot sequence (justanotherdot's biscuit-src-kernel-main.go),
// adapted from APIC/CPU-bringup mechanics to goroutines racing the same
// two atomic boot flags this module's vm.System already exposes.
package main

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"limits"
	"vm"
)

func main() {
	cfg := limits.Default()

	var policy string
	flag.IntVar(&cfg.NumFrames, "frames", cfg.NumFrames, "physical frame pool size")
	flag.IntVar(&cfg.MaxSwapPages, "swap-pages", cfg.MaxSwapPages, "swap store capacity in pages")
	flag.IntVar(&cfg.NumCores, "cores", cfg.NumCores, "number of cores to boot")
	flag.StringVar(&policy, "policy", cfg.Policy.String(), "replacement policy: fifo, clock, clock-improved, working-set, pff")
	flag.Int64Var(&cfg.PFFThresholdNanos, "pff-threshold-ns", cfg.PFFThresholdNanos, "page-fault-frequency threshold, in nanoseconds")
	flag.IntVar(&cfg.WorkingSetK, "working-set-k", cfg.WorkingSetK, "working-set sampling history length")
	listenAddr := flag.String("listen", ":9100", "address to serve /metrics on")
	flag.Parse()

	log := logrus.New()

	p, err := parsePolicy(policy)
	if err != nil {
		log.WithError(err).Fatal("kernel: bad -policy")
	}
	cfg.Policy = p

	reg := prometheus.NewRegistry()
	sys := vm.NewSystem(cfg, reg)
	sys.Log = log

	// The real text/rodata/data/bss/MMIO layout comes from the boot loader's
	// linker-script symbols on real hardware; this hosted target has none,
	// so the kernel memory set starts out with just the trampoline page and
	// user address spaces are built independently via vm.NewUserFromELF.
	sys.NewKernelMemorySet(vm.KernelLayout{})

	var wg sync.WaitGroup
	for core := 0; core < cfg.NumCores; core++ {
		wg.Add(1)
		go func(core int) {
			defer wg.Done()
			bootCore(sys, core)
		}(core)
	}
	sys.FinishGlobalInit()
	wg.Wait()

	log.WithField("addr", *listenAddr).Info("kernel: serving metrics")
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(*listenAddr, nil); err != nil {
		log.WithError(err).Fatal("kernel: metrics server exited")
	}
}

// bootCore waits for global initialization, then records this core as
// booted, mirroring the boot handshake's "wait for GLOBAL_INIT_FINISHED,
// then increment BOOTED_CPU_COUNT" sequence.
func bootCore(sys *vm.System, core int) {
	for !sys.GlobalInitDone() {
	}
	n := sys.CPUBooted()
	sys.Log.WithFields(logrus.Fields{"core": core, "booted": n}).Info("kernel: core booted")
}

func parsePolicy(s string) (limits.PRA, error) {
	switch s {
	case "fifo":
		return limits.FIFO, nil
	case "clock":
		return limits.Clock, nil
	case "clock-improved":
		return limits.ClockImproved, nil
	case "working-set":
		return limits.WorkingSet, nil
	case "pff":
		return limits.PFF, nil
	default:
		return 0, errBadPolicy(s)
	}
}

type errBadPolicy string

func (e errBadPolicy) Error() string {
	return "unknown policy " + string(e) + " (want fifo, clock, clock-improved, working-set, or pff)"
}
