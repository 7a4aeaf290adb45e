package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"servamap.ai/internal/pipeline"
	"servamap.ai/internal/protocol"
	"servamap.ai/internal/shard"
)

func clearCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("clear", pflag.ContinueOnError)
	sf := addStoreFlags(fs)
	baseURL := fs.String("url", "", "server base url (acts on the running server)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *baseURL != "" {
		return postAdmin(*baseURL, "/admin/v1/clear", out)
	}
	a, err := sf.open()
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Pipeline.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "cleared")
	return nil
}

func exportCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("export", pflag.ContinueOnError)
	sf := addStoreFlags(fs)
	baseURL := fs.String("url", "", "server base url (acts on the running server)")
	dest := fs.String("out", "", "output file or directory (default: tile dir)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *baseURL != "" {
		path := "/admin/v1/export"
		if *dest != "" {
			path += "?out=" + url.QueryEscape(*dest)
		}
		return postAdmin(*baseURL, path, out)
	}
	a, err := sf.open()
	if err != nil {
		return err
	}
	defer a.Close()
	target := strings.TrimSpace(*dest)
	if target == "" {
		target = a.Tuning.TileDir
	}
	res, err := a.Pipeline.ExportWholeMap(ctx, target)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s tiles=%d size=%dx%d origin_tile=%d,%d\n", res.Path, res.Tiles, res.Width, res.Height, res.Min.X, res.Min.Y)
	return nil
}

// resampleCmd rebuilds every level above the base. Offline it drains the
// whole cascade before returning; against a server it only queues it.
func resampleCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("resample", pflag.ContinueOnError)
	sf := addStoreFlags(fs)
	baseURL := fs.String("url", "", "server base url (acts on the running server)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *baseURL != "" {
		return postAdmin(*baseURL, "/admin/v1/resample", out)
	}
	a, err := sf.open()
	if err != nil {
		return err
	}
	defer a.Close()
	queued, err := a.Pipeline.StartCompleteResample(ctx)
	if err != nil {
		return err
	}
	n := a.Pipeline.Scheduler.DrainUntilIdle(ctx)
	fmt.Fprintf(out, "queued=%d resampled=%d\n", queued, n)
	return nil
}

func ingestCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("ingest", pflag.ContinueOnError)
	sf := addStoreFlags(fs)
	noDrain := fs.Bool("no-drain", false, "skip rebuilding levels above the base (run resample later)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: ingest needs one or more batch files", errUsage)
	}
	a, err := sf.open()
	if err != nil {
		return err
	}
	defer a.Close()

	var total pipeline.BatchResult
	for _, path := range fs.Args() {
		shards, err := protocol.ReadBatchFile(path, a.Tuning.ChunkSize)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		res := a.Pipeline.Ingestor.IngestBatch(ctx, producerOf(shards), shards)
		fmt.Fprintf(out, "%s shards=%d applied=%d noop=%d invalid=%d failed=%d\n", path, len(shards), res.Applied, res.NoOp, res.Invalid, res.Failed)
		total.Applied += res.Applied
		total.Failed += res.Failed
	}
	if !*noDrain {
		n := a.Pipeline.Scheduler.DrainUntilIdle(ctx)
		fmt.Fprintf(out, "resampled=%d\n", n)
	}
	if total.Failed > 0 {
		return fmt.Errorf("%d shards failed", total.Failed)
	}
	return nil
}

func producerOf(shards []shard.Shard) string {
	if len(shards) == 0 {
		return ""
	}
	return shards[0].ProducerID
}

func statsCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("stats", pflag.ContinueOnError)
	sf := addStoreFlags(fs)
	baseURL := fs.String("url", "", "server base url (reads live counters)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *baseURL != "" {
		return getAdmin(*baseURL, "/admin/v1/stats", out)
	}
	a, err := sf.open()
	if err != nil {
		return err
	}
	defer a.Close()
	st, err := a.Pipeline.Stats(ctx)
	if err != nil {
		return err
	}
	g := a.Pipeline.Geometry()
	fmt.Fprintf(out, "chunk_side=%d resample_factor=%d tile_side=%d max_zoom=%d\n", g.ChunkSide, g.ResampleFactor, g.TileSide(), g.MaxZoom)
	fmt.Fprintf(out, "shards_indexed=%d\n", st.ShardsIndexed)
	zooms := make([]int, 0, len(st.TilesPerZoom))
	for z := range st.TilesPerZoom {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)
	for _, z := range zooms {
		fmt.Fprintf(out, "tiles zoom=%d count=%d\n", z, st.TilesPerZoom[z])
	}
	return nil
}

func tilesCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("tiles", pflag.ContinueOnError)
	sf := addStoreFlags(fs)
	zoom := fs.Int("zoom", 0, "zoom level to list")
	limit := fs.Int("limit", 0, "max keys to print (0 = all)")
	asJSON := fs.Bool("json", false, "print one JSON object per key")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	a, err := sf.open()
	if err != nil {
		return err
	}
	defer a.Close()
	keys, err := a.Tiles.Keys(ctx, *zoom)
	if err != nil {
		return err
	}
	if *limit > 0 && len(keys) > *limit {
		keys = keys[:*limit]
	}
	enc := json.NewEncoder(out)
	for _, k := range keys {
		if *asJSON {
			_ = enc.Encode(map[string]any{"zoom": k.Zoom, "x": k.X, "y": k.Y, "file": a.Tiles.Path(k)})
			continue
		}
		fmt.Fprintf(out, "%s %s\n", k, a.Tiles.Path(k))
	}
	return nil
}
