// Command sphinxd runs the daemon: one worker core per -t, each owning a
// disjoint slice of memory and a disjoint slice of the key space, talking
// memcache ASCII protocol over TCP, or over framed UDP instead when -U is
// non-zero (the TCP listener is then not opened).
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/facebookgo/stackerr"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/penberg/sphinx/log"
	"github.com/penberg/sphinx/logmem"
	"github.com/penberg/sphinx/mesh"
	"github.com/penberg/sphinx/reactor"
	"github.com/penberg/sphinx/shard"
)

// version is stamped at release time; sphinxd.cpp's equivalent comes from a
// generated version.h, which the retrieved pack does not carry.
const version = "0.0.0-dev"

const (
	defaultTCPPort      = 11211
	defaultUDPPort      = 0 // disabled
	defaultListenAddr   = "0.0.0.0"
	defaultMemoryLimit  = 64 // MiB
	defaultSegmentSize  = 2  // MiB
	defaultListenBacklog = 1024
	defaultNrThreads    = 4

	meshCapacity = 1024
)

type args struct {
	listenAddr   string
	tcpPort      int
	udpPort      int
	memoryLimit  int
	segmentSize  int
	listenBacklog int
	nrThreads    int
	isolateCPUs  string
	schedFifo    bool
}

func parseArgs() args {
	var a args
	flag.StringVar(&a.listenAddr, "l", defaultListenAddr, "interface to listen to")
	flag.IntVar(&a.tcpPort, "p", defaultTCPPort, "TCP port to listen to")
	flag.IntVar(&a.udpPort, "U", defaultUDPPort, "UDP port to listen to")
	flag.IntVar(&a.memoryLimit, "m", defaultMemoryLimit, "memory limit in MB")
	flag.IntVar(&a.segmentSize, "s", defaultSegmentSize, "segment size in MB")
	flag.IntVar(&a.listenBacklog, "b", defaultListenBacklog, "listen backlog size")
	flag.IntVar(&a.nrThreads, "t", defaultNrThreads, "number of threads to use")
	flag.StringVar(&a.isolateCPUs, "i", "", "list of CPUs to isolate application threads (validated only; no-op on this build)")
	flag.BoolVar(&a.schedFifo, "S", false, "use SCHED_FIFO scheduling policy (no-op on this build)")
	help := flag.Bool("help", false, "print this help text and exit")
	showVersion := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]...\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Start the Sphinx daemon.")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *help {
		flag.Usage()
		os.Exit(0)
	}
	if *showVersion {
		fmt.Printf("Sphinx %s\n", version)
		os.Exit(0)
	}
	return a
}

func parseCPUList(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	var ids []int
	for _, tok := range strings.Split(raw, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func main() {
	a := parseArgs()
	l := log.NewLogger(log.InfoLevel, os.Stderr)

	if _, err := parseCPUList(a.isolateCPUs); err != nil {
		l.Fatalf("invalid -i CPU list %q: %v", a.isolateCPUs, err)
	}
	if a.memoryLimit%a.nrThreads != 0 {
		l.Fatal(stackerr.Newf("memory limit (%d) is not divisible by number of threads (%d), which is required for partitioning", a.memoryLimit, a.nrThreads))
	}

	perThreadMemory := (a.memoryLimit * 1024 * 1024) / a.nrThreads
	segmentSize := a.segmentSize * 1024 * 1024
	registry := metrics.NewRegistry()

	grid := mesh.NewGrid(a.nrThreads, meshCapacity)

	var wg sync.WaitGroup
	for id := 0; id < a.nrThreads; id++ {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(l, grid, registry, id, a, perThreadMemory, segmentSize)
		}()
	}
	wg.Wait()
}

func runWorker(l log.Logger, grid *mesh.Grid, registry metrics.Registry, id int, a args, perThreadMemory, segmentSize int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	poll, err := reactor.NewEpollPoller()
	if err != nil {
		l.Fatalf("core %d: epoll_create1: %v", id, err)
	}
	defer poll.Close()

	wakeFD, err := reactor.NewWakeFD()
	if err != nil {
		l.Fatalf("core %d: eventfd: %v", id, err)
	}
	if err := poll.Add(wakeFD, false); err != nil {
		l.Fatalf("core %d: register wake fd: %v", id, err)
	}

	s := shard.New(shard.Config{
		ID:        id,
		NrThreads: a.nrThreads,
		Mesh:      grid,
		Poll:      poll,
		WakeFD:    wakeFD,
		Log:       l.WithFields(log.Fields{"core": id}),
		LogMem: logmem.Config{
			SegmentSize: segmentSize,
			TotalSize:   perThreadMemory,
			Registry:    registry,
		},
	})

	if a.udpPort != 0 {
		if err := s.ListenUDP(a.listenAddr, a.udpPort); err != nil {
			l.Fatalf("core %d: listen udp: %v", id, err)
		}
	} else {
		if err := s.ListenTCP(a.listenAddr, a.tcpPort, a.listenBacklog); err != nil {
			l.Fatalf("core %d: listen tcp: %v", id, err)
		}
	}

	if err := s.Reactor().Run(); err != nil {
		l.Fatalf("core %d: %v", id, err)
	}
}
