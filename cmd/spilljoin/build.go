package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xlab/treeprint"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/spilljoin/pkg/chunk"
	"github.com/daviszhen/spilljoin/pkg/common"
	"github.com/daviszhen/spilljoin/pkg/compute"
	"github.com/daviszhen/spilljoin/pkg/spill"
	"github.com/daviszhen/spilljoin/pkg/util"
)

const benchPlanNodeId = 1

var buildInfo = "build a hash join on generated rows with several lanes"
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: buildInfo,
	Long:  buildInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runBuild(ctx, runCfg)
	},
}

func initBuildCmd() {
	RootCmd.AddCommand(buildCmd)
	def := util.DefaultConfig()
	buildCmd.Flags().Int("lanes", def.Bench.Lanes, "build lanes")
	buildCmd.Flags().Int("rows", def.Bench.Rows, "build rows of all lanes")
	buildCmd.Flags().Int("key_range", def.Bench.KeyRange, "join keys are drawn from [0,key_range)")
	buildCmd.Flags().Bool("broadcast", def.Bench.Broadcast, "broadcast join. spilled partitions are read shared")
	buildCmd.Flags().String("metrics", def.Bench.Metrics, "write spill metrics to this file")
	buildCmd.Flags().String("spill_mode", def.Spill.Mode, "none, auto, force")
	buildCmd.Flags().String("spill_storage", def.Spill.Storage, "file, memory")
	buildCmd.Flags().String("spill_dir", def.Spill.Dir, "spill file root")
	buildCmd.Flags().String("spill_codec", def.Spill.Codec, "none, lz4, zstd")
	buildCmd.Flags().String("mem_limit", def.Spill.QueryMemLimit, "query memory limit, e.g. 16MB")

	viper.BindPFlag("bench.lanes", buildCmd.Flags().Lookup("lanes"))
	viper.BindPFlag("bench.rows", buildCmd.Flags().Lookup("rows"))
	viper.BindPFlag("bench.keyRange", buildCmd.Flags().Lookup("key_range"))
	viper.BindPFlag("bench.broadcast", buildCmd.Flags().Lookup("broadcast"))
	viper.BindPFlag("bench.metrics", buildCmd.Flags().Lookup("metrics"))
	viper.BindPFlag("spill.mode", buildCmd.Flags().Lookup("spill_mode"))
	viper.BindPFlag("spill.storage", buildCmd.Flags().Lookup("spill_storage"))
	viper.BindPFlag("spill.dir", buildCmd.Flags().Lookup("spill_dir"))
	viper.BindPFlag("spill.codec", buildCmd.Flags().Lookup("spill_codec"))
	viper.BindPFlag("spill.queryMemLimit", buildCmd.Flags().Lookup("mem_limit"))
}

var buildTypes = []common.LType{common.BigintType(), common.VarcharType()}

// genSource yields rows (key, payload) of one lane.
type genSource struct {
	_rnd       *rand.Rand
	_left      int
	_keyRange  int
	_chunkSize int
}

func newGenSource(lane, rows, keyRange, chunkSize int) *genSource {
	return &genSource{
		_rnd:       rand.New(rand.NewPCG(uint64(lane), 0x5eed)),
		_left:      rows,
		_keyRange:  max(keyRange, 1),
		_chunkSize: chunkSize,
	}
}

func (src *genSource) Next(ctx context.Context) (*chunk.Chunk, error) {
	if src._left <= 0 {
		return nil, spill.ErrEndOfStream
	}
	n := min(src._left, src._chunkSize)
	c := chunk.NewChunk(buildTypes, n)
	for i := 0; i < n; i++ {
		k := src._rnd.Int64N(int64(src._keyRange))
		c.Data[0].SetValue(i, chunk.BigintValue(k))
		c.Data[1].SetValue(i, chunk.VarcharValue(fmt.Sprintf("payload-%d", k)))
	}
	c.SetCard(n)
	src._left -= n
	return c, nil
}

func runBuild(ctx context.Context, cfg *util.Config) (err error) {
	bench := cfg.Bench
	if bench.Lanes <= 0 {
		return fmt.Errorf("invalid lanes %d", bench.Lanes)
	}
	reg := prometheus.NewRegistry()
	qc, err := compute.NewQueryContext(&cfg.Spill, reg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := qc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	rs, err := compute.NewRuntimeState(&cfg.Spill, qc)
	if err != nil {
		return err
	}
	if bench.ChunkSize > 0 {
		rs.ChunkSize = bench.ChunkSize
	}

	keys := []*compute.Expr{compute.ColumnRef(0, common.BigintType(), "key")}
	f := compute.NewSpillableHashJoinBuildOperatorFactory(benchPlanNodeId, bench.Lanes, bench.Broadcast, keys, buildTypes)
	if err = f.Prepare(ctx, rs); err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	util.Info("build start",
		zap.Stringer("queryId", qc.QueryId),
		zap.Stringer("spillMode", rs.SpillMode),
		zap.Int("lanes", bench.Lanes),
		zap.Int("rows", bench.Rows))

	memLimit := int64(0)
	if rs.QueryMemLimit > 0 {
		memLimit = max(rs.QueryMemLimit/int64(bench.Lanes), 1)
	}
	drivers := make([]*compute.BuildDriver, 0, bench.Lanes)
	for lane := 0; lane < bench.Lanes; lane++ {
		op, err := f.Create(lane)
		if err != nil {
			return err
		}
		rows := bench.Rows / bench.Lanes
		if lane < bench.Rows%bench.Lanes {
			rows++
		}
		source := newGenSource(lane, rows, bench.KeyRange, rs.ChunkSize)
		drivers = append(drivers, compute.NewBuildDriver(op, source, rs, memLimit, rs.SpillOperatorMinBytes))
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, driver := range drivers {
		g.Go(func() error {
			return driver.Run(gctx)
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}

	util.Info("build done", zap.Duration("elapsed", time.Since(start)))
	if bench.PrintSummary {
		tree := treeprint.NewWithRoot(qc.QueryId.String())
		compute.WriteBuildTree(tree, f, rs.FilterHub)
		fmt.Println(tree.String())
	}
	if len(bench.Metrics) != 0 {
		if err = prometheus.WriteToTextfile(bench.Metrics, reg); err != nil {
			return err
		}
	}
	return nil
}
