package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"lukechampine.com/uint128"

	"github.com/KevoDB/mvds/pkg/aggregator"
	"github.com/KevoDB/mvds/pkg/common/log"
	"github.com/KevoDB/mvds/pkg/config"
	"github.com/KevoDB/mvds/pkg/mvhashmap"
	"github.com/KevoDB/mvds/pkg/writeset"
)

var errUsage = errors.New("usage")

// shell executes commands against one in-memory MVHashMap.
type shell struct {
	cfg    *config.Config
	logger log.Logger
	out    io.Writer

	m *mvhashmap.MVHashMap
	// highest transaction index seen, used as the default block size
	maxIdx mvhashmap.TxnIndex
	seen   bool
}

func newShell(cfg *config.Config, logger log.Logger, out io.Writer) *shell {
	s := &shell{cfg: cfg, logger: logger, out: out}
	s.reset()
	return s
}

func (s *shell) reset() {
	opts := append(s.cfg.MapOptions(), mvhashmap.WithLogger(s.logger))
	s.m = mvhashmap.New(opts...)
	s.maxIdx, s.seen = 0, false
}

// execute runs one command line. It returns true when the shell should exit.
func (s *shell) execute(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	cmd := strings.ToUpper(parts[0])
	if strings.HasPrefix(cmd, ".") {
		cmd = strings.ToLower(cmd)
	}
	args := parts[1:]

	var err error
	switch cmd {
	case ".help":
		fmt.Fprint(s.out, helpText)
	case ".exit":
		fmt.Fprintln(s.out, "Goodbye!")
		return true
	case ".reset":
		s.reset()
		fmt.Fprintln(s.out, "Store reset")
	case ".stats":
		s.printStats()
	case ".dump":
		err = s.dump(args)
	case "SEED":
		err = s.seed(args)
	case "WRITE":
		err = s.write(args)
	case "DELETE":
		err = s.delete(args)
	case "DELTA":
		err = s.delta(args)
	case "ESTIMATE":
		err = s.estimate(args)
	case "REMOVE":
		err = s.remove(args)
	case "MATERIALIZE":
		err = s.materialize(args)
	case "READ":
		err = s.read(args)
	case "GSEED":
		err = s.groupSeed(args)
	case "GWRITE":
		err = s.groupWrite(args)
	case "GESTIMATE":
		err = s.groupEstimate(args)
	case "GREMOVE":
		err = s.groupRemove(args)
	case "GREAD":
		err = s.groupRead(args)
	case "GSIZE":
		err = s.groupSize(args)
	default:
		err = fmt.Errorf("unknown command %q, type .help for help", parts[0])
	}

	if err != nil {
		fmt.Fprintf(s.out, "Error: %s\n", err)
	}
	return false
}

func usage(text string) error {
	return fmt.Errorf("%w: %s", errUsage, text)
}

func (s *shell) parseIndex(arg string) (mvhashmap.TxnIndex, error) {
	v, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid transaction index %q", arg)
	}
	idx := mvhashmap.TxnIndex(v)
	if !s.seen || idx > s.maxIdx {
		s.maxIdx, s.seen = idx, true
	}
	return idx, nil
}

func parseIncarnation(arg string) (mvhashmap.Incarnation, error) {
	v, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid incarnation %q", arg)
	}
	return mvhashmap.Incarnation(v), nil
}

// parseValue reads "u:123" as an aggregator value and anything else as raw bytes.
func parseValue(arg string) (*mvhashmap.Value, error) {
	if num, ok := strings.CutPrefix(arg, "u:"); ok {
		v, err := uint128.FromString(num)
		if err != nil {
			return nil, fmt.Errorf("invalid aggregator value %q: %v", num, err)
		}
		return mvhashmap.Uint128Value(v), nil
	}
	return mvhashmap.NewValue([]byte(arg)), nil
}

func formatValue(v *mvhashmap.Value) string {
	if v.IsDeletion() {
		return "<deleted>"
	}
	if v.Len() == 16 {
		if n, err := v.AsUint128(); err == nil {
			return "u:" + n.String()
		}
	}
	return fmt.Sprintf("%q", v.Bytes())
}

func (s *shell) seed(args []string) error {
	if len(args) != 2 {
		return usage("SEED key value")
	}
	v, err := parseValue(args[1])
	if err != nil {
		return err
	}
	s.m.Data().SetBaseValue(mvhashmap.Key(args[0]), v, nil)
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) write(args []string) error {
	if len(args) != 4 {
		return usage("WRITE key idx incarnation value")
	}
	idx, err := s.parseIndex(args[1])
	if err != nil {
		return err
	}
	inc, err := parseIncarnation(args[2])
	if err != nil {
		return err
	}
	v, err := parseValue(args[3])
	if err != nil {
		return err
	}
	s.m.Data().Write(mvhashmap.Key(args[0]), idx, inc, v, nil)
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) delete(args []string) error {
	if len(args) != 3 {
		return usage("DELETE key idx incarnation")
	}
	idx, err := s.parseIndex(args[1])
	if err != nil {
		return err
	}
	inc, err := parseIncarnation(args[2])
	if err != nil {
		return err
	}
	s.m.Data().Write(mvhashmap.Key(args[0]), idx, inc, mvhashmap.Deletion(), nil)
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) delta(args []string) error {
	if len(args) != 3 && len(args) != 4 {
		return usage("DELTA key idx +N|-N [limit]")
	}
	idx, err := s.parseIndex(args[1])
	if err != nil {
		return err
	}

	limit := s.cfg.AggregatorLimit()
	if len(args) == 4 {
		if limit, err = uint128.FromString(args[3]); err != nil {
			return fmt.Errorf("invalid limit %q: %v", args[3], err)
		}
	}

	amount := args[2]
	negative := strings.HasPrefix(amount, "-")
	v, err := uint128.FromString(strings.TrimLeft(amount, "+-"))
	if err != nil {
		return fmt.Errorf("invalid delta %q: %v", amount, err)
	}

	d := aggregator.Addition(v, limit)
	if negative {
		d = aggregator.Subtraction(v, limit)
	}
	s.m.Data().AddDelta(mvhashmap.Key(args[0]), idx, d)
	fmt.Fprintf(s.out, "OK %s\n", d)
	return nil
}

// guard turns invariant panics of the store into command errors.
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	fn()
	return nil
}

func (s *shell) estimate(args []string) error {
	if len(args) != 2 {
		return usage("ESTIMATE key idx")
	}
	idx, err := s.parseIndex(args[1])
	if err != nil {
		return err
	}
	if err := guard(func() { s.m.Data().MarkEstimate(mvhashmap.Key(args[0]), idx) }); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) remove(args []string) error {
	if len(args) != 2 {
		return usage("REMOVE key idx")
	}
	idx, err := s.parseIndex(args[1])
	if err != nil {
		return err
	}
	s.m.Data().Remove(mvhashmap.Key(args[0]), idx)
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) materialize(args []string) error {
	if len(args) != 3 {
		return usage("MATERIALIZE key idx value")
	}
	idx, err := s.parseIndex(args[1])
	if err != nil {
		return err
	}
	v, err := uint128.FromString(args[2])
	if err != nil {
		return fmt.Errorf("invalid value %q: %v", args[2], err)
	}
	if err := guard(func() { s.m.Data().MaterializeDelta(mvhashmap.Key(args[0]), idx, v) }); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) read(args []string) error {
	if len(args) != 2 {
		return usage("READ key idx")
	}
	idx, err := s.parseIndex(args[1])
	if err != nil {
		return err
	}

	out, err := s.m.Data().FetchData(mvhashmap.Key(args[0]), idx)
	if err != nil {
		s.printReadError(err)
		return nil
	}
	switch out.Kind {
	case mvhashmap.Resolved:
		fmt.Fprintf(s.out, "Resolved u:%s\n", out.Resolved)
	default:
		fmt.Fprintf(s.out, "Versioned %s @%s\n", formatValue(out.Value), out.Version)
	}
	return nil
}

func (s *shell) printReadError(err error) {
	if idx, ok := mvhashmap.IsDependency(err); ok {
		fmt.Fprintf(s.out, "Dependency on txn %d\n", idx)
		return
	}
	if d, ok := mvhashmap.IsUnresolved(err); ok {
		fmt.Fprintf(s.out, "Unresolved %s\n", d)
		return
	}
	switch {
	case errors.Is(err, mvhashmap.ErrUninitialized):
		fmt.Fprintln(s.out, "Uninitialized")
	case errors.Is(err, mvhashmap.ErrTagNotFound):
		fmt.Fprintln(s.out, "TagNotFound")
	default:
		fmt.Fprintf(s.out, "Failure: %s\n", err)
	}
}

// parseTagValues reads tag=value pairs. A "-tag" argument lists a removed tag.
func parseTagValues(args []string) (map[mvhashmap.Tag]*mvhashmap.Value, []mvhashmap.Tag, error) {
	values := make(map[mvhashmap.Tag]*mvhashmap.Value)
	var removed []mvhashmap.Tag
	for _, arg := range args {
		if tag, ok := strings.CutPrefix(arg, "-"); ok && tag != "" {
			removed = append(removed, mvhashmap.Tag(tag))
			continue
		}
		tag, raw, ok := strings.Cut(arg, "=")
		if !ok || tag == "" {
			return nil, nil, fmt.Errorf("expected tag=value, got %q", arg)
		}
		v, err := parseValue(raw)
		if err != nil {
			return nil, nil, err
		}
		values[mvhashmap.Tag(tag)] = v
	}
	return values, removed, nil
}

func (s *shell) groupSeed(args []string) error {
	if len(args) < 1 {
		return usage("GSEED key tag=value...")
	}
	values, removed, err := parseTagValues(args[1:])
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		return usage("GSEED does not take removed tags")
	}
	s.m.GroupData().SetRawBaseValues(mvhashmap.Key(args[0]), values)
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) groupWrite(args []string) error {
	if len(args) < 3 {
		return usage("GWRITE key idx incarnation tag=value... -removed_tag...")
	}
	key := mvhashmap.Key(args[0])
	idx, err := s.parseIndex(args[1])
	if err != nil {
		return err
	}
	inc, err := parseIncarnation(args[2])
	if err != nil {
		return err
	}
	values, removed, err := parseTagValues(args[3:])
	if err != nil {
		return err
	}

	// the new size is the visible group with this write applied
	current := make(map[mvhashmap.Tag]*mvhashmap.Value)
	visible, err := s.m.GroupData().FetchGroup(key, idx)
	switch {
	case err == nil:
		for tag, out := range visible {
			current[tag] = out.Value
		}
	case errors.Is(err, mvhashmap.ErrUninitialized):
	default:
		return fmt.Errorf("cannot compute group size: %w", err)
	}

	updates := make(map[mvhashmap.Tag]mvhashmap.TaggedValue, len(values))
	for tag, v := range values {
		updates[tag] = mvhashmap.TaggedValue{Value: v}
		current[tag] = v
	}
	for _, tag := range removed {
		delete(current, tag)
	}

	var changed bool
	if err := guard(func() {
		changed = s.m.GroupData().Write(key, idx, inc, updates, mvhashmap.ComputeGroupSize(current), removed)
	}); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "OK (tag set changed: %t)\n", changed)
	return nil
}

func (s *shell) groupEstimate(args []string) error {
	if len(args) < 2 {
		return usage("GESTIMATE key idx tag...")
	}
	idx, err := s.parseIndex(args[1])
	if err != nil {
		return err
	}
	tags := make([]mvhashmap.Tag, 0, len(args)-2)
	for _, arg := range args[2:] {
		tags = append(tags, mvhashmap.Tag(arg))
	}
	if err := guard(func() { s.m.GroupData().MarkEstimate(mvhashmap.Key(args[0]), idx, tags) }); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) groupRemove(args []string) error {
	if len(args) != 2 {
		return usage("GREMOVE key idx")
	}
	idx, err := s.parseIndex(args[1])
	if err != nil {
		return err
	}
	s.m.GroupData().Remove(mvhashmap.Key(args[0]), idx)
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) groupRead(args []string) error {
	if len(args) != 3 {
		return usage("GREAD key tag idx")
	}
	idx, err := s.parseIndex(args[2])
	if err != nil {
		return err
	}
	out, err := s.m.GroupData().FetchTaggedData(mvhashmap.Key(args[0]), mvhashmap.Tag(args[1]), idx)
	if err != nil {
		s.printReadError(err)
		return nil
	}
	fmt.Fprintf(s.out, "Versioned %s @%s\n", formatValue(out.Value), out.Version)
	return nil
}

func (s *shell) groupSize(args []string) error {
	if len(args) != 2 {
		return usage("GSIZE key idx")
	}
	idx, err := s.parseIndex(args[1])
	if err != nil {
		return err
	}
	size, err := s.m.GroupData().GetGroupSize(mvhashmap.Key(args[0]), idx)
	if err != nil {
		s.printReadError(err)
		return nil
	}
	fmt.Fprintf(s.out, "Size: %d tags, %d bytes\n", size.NumTags, size.TotalBytes)
	return nil
}

func (s *shell) printStats() {
	stats := s.m.Stats().GetStats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(s.out, "Keys: %d, Groups: %d\n", s.m.Data().NumKeys(), s.m.GroupData().NumGroups())
	for _, k := range keys {
		if _, nested := stats[k].(map[string]interface{}); nested {
			continue
		}
		fmt.Fprintf(s.out, "  %-28s %v\n", k, stats[k])
	}
}

func (s *shell) dump(args []string) error {
	if len(args) != 1 && len(args) != 2 {
		return usage(".dump FILE [block_size]")
	}

	blockSize := s.maxIdx + 1
	if !s.seen {
		blockSize = 0
	}
	if len(args) == 2 {
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid block size %q", args[1])
		}
		blockSize = mvhashmap.TxnIndex(v)
	}

	ws, err := writeset.FromMVHashMap(s.m, blockSize, nil)
	if err != nil {
		return err
	}

	c, err := writeset.NewCompressor()
	if err != nil {
		return err
	}
	defer c.Close()

	data, err := c.Encode(ws, s.cfg.Codec())
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", args[0], err)
	}

	s.logger.Info("dumped write-set of %d locations to %s", ws.Len(), args[0])
	fmt.Fprintf(s.out, "Wrote %d locations (%d bytes, %s) for block size %d\n",
		ws.Len(), len(data), s.cfg.Codec(), blockSize)
	return nil
}
