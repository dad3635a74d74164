package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"gokern/defs"
	"gokern/ipc"
	"gokern/kernel"
	"gokern/limits"
	"gokern/pcpu"
	"gokern/stats"
)

var rootCmd = &cobra.Command{
	Use:          "gokern",
	Short:        "multiprocessor execution substrate on a simulated machine",
	SilenceUsage: true,
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "bring the machine up, run a message-passing workload, dump stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		return boot()
	},
}

func init() {
	f := bootCmd.Flags()
	f.Int("cpus", 4, "CPUs the simulated machine reports")
	f.Int("procs", 8, "worker process pairs to create")
	f.Int("ipc-slots", limits.Syslimit.Ipcslots, "IPC pool capacity")
	f.Int("phys-pages", limits.Syslimit.Physpages, "page arena size")
	f.Duration("run", 2*time.Second, "how long to run the workload")
	f.Bool("verbose", false, "debug logging")
	viper.BindPFlags(f)
	viper.SetEnvPrefix("gokern")
	viper.AutomaticEnv()
	rootCmd.AddCommand(bootCmd)
}

func mklogger() (*zap.Logger, error) {
	if viper.GetBool("verbose") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}

func boot() error {
	lg, err := mklogger()
	if err != nil {
		return err
	}
	defer lg.Sync()

	lim := limits.MkSysLimit()
	lim.Ipcslots = viper.GetInt("ipc-slots")
	lim.Physpages = viper.GetInt("phys-pages")
	sm := pcpu.Mksimmach(viper.GetInt("cpus"))
	k := kernel.Mkkernel(lim, sm, lg)
	if e := k.Init(); e != 0 {
		return fmt.Errorf("bring-up failed: %v", e)
	}

	npairs := viper.GetInt("procs")
	for i := 0; i < npairs; i++ {
		if err := mkpair(k, i); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("run"))
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := k.Run(ctx); err != nil {
		return err
	}
	sm.Wait()

	fmt.Print(stats.Stats2String(*k.Pool))
	fmt.Print(stats.Stats2String(*k.Sd))
	fmt.Printf("online cpus:   %d\n", k.Cpus.Onlinecount())
	fmt.Printf("live procs:    %d\n", k.Pt.Len())
	return nil
}

// mkpair creates a ping/pong pair: ping fires a message at pong each time
// it is dispatched, pong drains its queue and echoes every payload back.
func mkpair(k *kernel.Kernel_t, i int) error {
	var pingpid, pongpid int
	var e defs.Err_t

	pongpid, e = k.Create(fmt.Sprintf("pong%d", i), func() {
		for {
			m, ok := k.Recv(pongpid)
			if !ok {
				return
			}
			r := &ipc.Msg_t{From: pongpid, To: m.From, Mtype: defs.MASYNC}
			r.Len = copy(r.Data[:], m.Data[:m.Len])
			k.Send(r)
		}
	})
	if e != 0 {
		return fmt.Errorf("create pong%d: %v", i, e)
	}

	pingpid, e = k.Create(fmt.Sprintf("ping%d", i), func() {
		m := &ipc.Msg_t{From: pingpid, To: pongpid, Mtype: defs.MASYNC}
		m.Len = copy(m.Data[:], []byte("ping"))
		k.Send(m)
		for {
			if _, ok := k.Recv(pingpid); !ok {
				return
			}
		}
	})
	if e != 0 {
		return fmt.Errorf("create ping%d: %v", i, e)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
