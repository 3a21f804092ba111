package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
	"github.com/bpfman/bpfman-core/internal/store"
)

// Registry is the C3 facade. One tree per Program (named with its
// stable id), one tree per Link, plus the global index trees, per
// the store.
type Registry struct {
	db *store.Store
}

func New(db *store.Store) *Registry { return &Registry{db: db} }

const (
	treeMeta        = "meta"
	treeProgramsIdx = "programs_index"
	treeLinksIdx    = "links_index"
	treeDispatchers = "dispatchers_index"

	keyNextProgramID = "next_program_id"
	keyNextLinkID    = "next_link_id"
)

func programTree(id uint32) string { return fmt.Sprintf("prog_%d", id) }
func linkTree(id uint32) string    { return fmt.Sprintf("link_%d", id) }
func dispatcherTree(id uint32) string { return fmt.Sprintf("dispatcher_%d", id) }

// NextProgramID allocates a new monotonic program id, the same
// "stable bpfman program id (assigned at load)".
func (r *Registry) NextProgramID() (uint32, error) {
	return r.nextID(keyNextProgramID)
}

// NextLinkID allocates a new monotonic link id.
func (r *Registry) NextLinkID() (uint32, error) {
	return r.nextID(keyNextLinkID)
}

func (r *Registry) nextID(key string) (uint32, error) {
	t := r.db.Tree(treeMeta)
	v, ok, err := t.Get([]byte(key))
	if err != nil {
		return 0, err
	}
	var next uint32 = 1
	if ok {
		next = decodeU32(v) + 1
	}
	if err := t.Insert([]byte(key), encodeU32(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// ---------------------------------------------------------------------
// Program
// ---------------------------------------------------------------------

// PutProgram writes every field of p into its tree, replacing ordered
// sequences and mappings atomically, and records it in
// the programs_index.
func (r *Registry) PutProgram(p *Program) error {
	t := r.db.Tree(programTree(p.ID))

	if err := t.Insert([]byte("kind"), encodeStr(string(p.Kind))); err != nil {
		return err
	}
	if err := t.Insert([]byte("kernel_id"), encodeU32(p.KernelID)); err != nil {
		return err
	}
	if err := t.Insert([]byte("entry_point"), encodeStr(p.EntryPoint)); err != nil {
		return err
	}
	if err := t.Insert([]byte("source_local_path"), encodeStr(p.Source.LocalPath)); err != nil {
		return err
	}
	if err := t.Insert([]byte("source_image_url"), encodeStr(p.Source.ImageURL)); err != nil {
		return err
	}
	if err := t.Insert([]byte("application"), encodeStr(p.Application)); err != nil {
		return err
	}
	if err := t.Insert([]byte("attach_function"), encodeStr(p.AttachFunction)); err != nil {
		return err
	}
	if err := t.Insert([]byte("has_map_owner"), encodeBool(p.HasMapOwner)); err != nil {
		return err
	}
	if err := t.Insert([]byte("map_owner_id"), encodeU32(p.MapOwnerID)); err != nil {
		return err
	}
	if err := t.Insert([]byte("pin_path"), encodeStr(p.PinPath)); err != nil {
		return err
	}
	if err := t.Insert([]byte("orphaned"), encodeBool(p.Orphaned)); err != nil {
		return err
	}
	if err := t.Insert([]byte("unmanaged"), encodeBool(p.Unmanaged)); err != nil {
		return err
	}

	if err := putOrderedU32(t, "kernel_map_ids", p.KernelMapIDs); err != nil {
		return err
	}
	if err := putStringMapping(t, "map_pin_paths", p.MapPinPaths); err != nil {
		return err
	}
	if err := putMapping(t, "global", p.Globals); err != nil {
		return err
	}
	if err := putStringMapping(t, "metadata", p.Metadata); err != nil {
		return err
	}

	idx := r.db.Tree(treeProgramsIdx)
	if err := idx.Insert([]byte(fmt.Sprintf("prog_%d", p.ID)), encodeStr(string(p.Kind))); err != nil {
		return err
	}
	return nil
}

// GetProgram reads back a Program by id.
func (r *Registry) GetProgram(id uint32) (*Program, error) {
	t := r.db.Tree(programTree(id))
	kindB, ok, err := t.Get([]byte("kind"))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, bpfmanerrors.New(bpfmanerrors.KindNotFound, "program not found", "program_id", strconv.Itoa(int(id)))
	}

	p := &Program{ID: id, Kind: Kind(decodeStr(kindB))}
	mustGet := func(key string) []byte {
		v, _, _ := t.Get([]byte(key))
		return v
	}
	p.KernelID = decodeU32(mustGet("kernel_id"))
	p.EntryPoint = decodeStr(mustGet("entry_point"))
	p.Source = Source{
		LocalPath: decodeStr(mustGet("source_local_path")),
		ImageURL:  decodeStr(mustGet("source_image_url")),
	}
	p.Application = decodeStr(mustGet("application"))
	p.AttachFunction = decodeStr(mustGet("attach_function"))
	p.HasMapOwner = decodeBool(mustGet("has_map_owner"))
	p.MapOwnerID = decodeU32(mustGet("map_owner_id"))
	p.PinPath = decodeStr(mustGet("pin_path"))
	p.Orphaned = decodeBool(mustGet("orphaned"))
	p.Unmanaged = decodeBool(mustGet("unmanaged"))

	p.KernelMapIDs, err = getOrderedU32(t, "kernel_map_ids")
	if err != nil {
		return nil, err
	}
	p.MapPinPaths, err = getStringMapping(t, "map_pin_paths")
	if err != nil {
		return nil, err
	}
	p.Globals, err = getMapping(t, "global")
	if err != nil {
		return nil, err
	}
	p.Metadata, err = getStringMapping(t, "metadata")
	if err != nil {
		return nil, err
	}
	return p, nil
}

// DeleteProgram removes every key in the program's tree and its index
// entry.
func (r *Registry) DeleteProgram(id uint32) error {
	t := r.db.Tree(programTree(id))
	for _, prefix := range []string{"kind", "kernel_id", "entry_point", "source_local_path",
		"source_image_url", "application", "attach_function", "has_map_owner", "map_owner_id",
		"pin_path", "orphaned", "unmanaged", "kernel_map_ids", "map_pin_paths", "global", "metadata"} {
		if err := t.RemovePrefix([]byte(prefix)); err != nil {
			return err
		}
	}
	return r.db.Tree(treeProgramsIdx).Remove([]byte(fmt.Sprintf("prog_%d", id)))
}

// ListProgramIDs enumerates every persisted program id, sorted ascending.
func (r *Registry) ListProgramIDs() ([]uint32, error) {
	kvs, err := r.db.Tree(treeProgramsIdx).ScanPrefix([]byte("prog_"))
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(kvs))
	for _, kv := range kvs {
		idStr := strings.TrimPrefix(string(kv.Key), "prog_")
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ---------------------------------------------------------------------
// Link
// ---------------------------------------------------------------------

// PutLink writes every field of l into its tree and updates links_index.
func (r *Registry) PutLink(l *Link) error {
	t := r.db.Tree(linkTree(l.ID))

	if err := t.Insert([]byte("program_id"), encodeU32(l.ProgramID)); err != nil {
		return err
	}
	if err := t.Insert([]byte("kind"), encodeStr(string(l.Kind))); err != nil {
		return err
	}
	if err := t.Insert([]byte("netns_path"), encodeStr(l.NetnsPath)); err != nil {
		return err
	}
	if err := t.Insert([]byte("reattach_on_boot"), encodeBool(l.ReattachOnBoot)); err != nil {
		return err
	}
	if err := putStringMapping(t, "metadata", l.Metadata); err != nil {
		return err
	}

	if err := clearKindSpecific(t); err != nil {
		return err
	}
	switch l.Kind {
	case KindXDP:
		x := l.XDP
		t.Insert([]byte("xdp_interface"), encodeStr(x.Interface))
		t.Insert([]byte("xdp_priority"), encodeU32(uint32(x.Priority)))
		t.Insert([]byte("xdp_proceedon"), encodeU32(uint32(x.ProceedOn)))
	case KindTC:
		x := l.TC
		t.Insert([]byte("tc_interface"), encodeStr(x.Interface))
		t.Insert([]byte("tc_direction"), encodeStr(string(x.Direction)))
		t.Insert([]byte("tc_priority"), encodeU32(uint32(x.Priority)))
		t.Insert([]byte("tc_proceedon"), encodeU32(uint32(x.ProceedOn)))
	case KindTCX:
		x := l.TCX
		t.Insert([]byte("tcx_interface"), encodeStr(x.Interface))
		t.Insert([]byte("tcx_direction"), encodeStr(string(x.Direction)))
		t.Insert([]byte("tcx_priority"), encodeU32(uint32(x.Priority)))
	case KindTracepoint:
		x := l.Tracepoint
		t.Insert([]byte("tp_category"), encodeStr(x.Category))
		t.Insert([]byte("tp_name"), encodeStr(x.Name))
	case KindKprobe, KindKretprobe:
		x := l.Kprobe
		t.Insert([]byte("kp_function"), encodeStr(x.FunctionName))
		t.Insert([]byte("kp_retprobe"), encodeBool(x.Retprobe))
	case KindUprobe, KindUretprobe:
		x := l.Uprobe
		t.Insert([]byte("up_target"), encodeStr(x.Target))
		t.Insert([]byte("up_function"), encodeStr(x.FunctionName))
		t.Insert([]byte("up_offset"), encodeU64(x.Offset))
		t.Insert([]byte("up_has_offset"), encodeBool(x.HasOffset))
		t.Insert([]byte("up_retprobe"), encodeBool(x.Retprobe))
		t.Insert([]byte("up_container_pid"), encodeU32(uint32(x.ContainerPID)))
		if x.ContainerSelector != nil {
			cs := x.ContainerSelector
			t.Insert([]byte("up_cs_pod_namespace"), encodeStr(cs.PodNamespace))
			t.Insert([]byte("up_cs_container_name"), encodeStr(cs.ContainerName))
			t.Insert([]byte("up_cs_container_id"), encodeStr(cs.ContainerID))
			putStringMapping(t, "up_cs_labels", cs.PodLabels)
		}
	case KindFentry, KindFexit:
		// attach function is recorded on the owning Program at Load time.
	}

	idx := r.db.Tree(treeLinksIdx)
	return idx.Insert([]byte(fmt.Sprintf("link_%d", l.ID)), encodeU32(l.ProgramID))
}

func clearKindSpecific(t *store.Tree) error {
	for _, prefix := range []string{"xdp_", "tc_", "tcx_", "tp_", "kp_", "up_"} {
		if err := t.RemovePrefix([]byte(prefix)); err != nil {
			return err
		}
	}
	return nil
}

// GetLink reads back a Link by id.
func (r *Registry) GetLink(id uint32) (*Link, error) {
	t := r.db.Tree(linkTree(id))
	progB, ok, err := t.Get([]byte("program_id"))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, bpfmanerrors.New(bpfmanerrors.KindNotFound, "link not found", "link_id", strconv.Itoa(int(id)))
	}

	kindB, _, _ := t.Get([]byte("kind"))
	l := &Link{ID: id, ProgramID: decodeU32(progB), Kind: Kind(decodeStr(kindB))}

	netnsB, _, _ := t.Get([]byte("netns_path"))
	l.NetnsPath = decodeStr(netnsB)
	reattachB, _, _ := t.Get([]byte("reattach_on_boot"))
	l.ReattachOnBoot = decodeBool(reattachB)
	l.Metadata, err = getStringMapping(t, "metadata")
	if err != nil {
		return nil, err
	}

	get := func(key string) []byte { v, _, _ := t.Get([]byte(key)); return v }
	switch l.Kind {
	case KindXDP:
		l.XDP = &XDPAttach{
			Interface: decodeStr(get("xdp_interface")),
			Priority:  int(decodeU32(get("xdp_priority"))),
			ProceedOn: ProceedOnXDP(decodeU32(get("xdp_proceedon"))),
		}
	case KindTC:
		l.TC = &TCAttach{
			Interface: decodeStr(get("tc_interface")),
			Direction: Direction(decodeStr(get("tc_direction"))),
			Priority:  int(decodeU32(get("tc_priority"))),
			ProceedOn: ProceedOnTC(decodeU32(get("tc_proceedon"))),
		}
	case KindTCX:
		l.TCX = &TCXAttach{
			Interface: decodeStr(get("tcx_interface")),
			Direction: Direction(decodeStr(get("tcx_direction"))),
			Priority:  int(decodeU32(get("tcx_priority"))),
		}
	case KindTracepoint:
		l.Tracepoint = &TracepointAttach{
			Category: decodeStr(get("tp_category")),
			Name:     decodeStr(get("tp_name")),
		}
	case KindKprobe, KindKretprobe:
		l.Kprobe = &KprobeAttach{
			FunctionName: decodeStr(get("kp_function")),
			Retprobe:     decodeBool(get("kp_retprobe")),
		}
	case KindUprobe, KindUretprobe:
		up := &UprobeAttach{
			Target:       decodeStr(get("up_target")),
			FunctionName: decodeStr(get("up_function")),
			Offset:       decodeU64(get("up_offset")),
			HasOffset:    decodeBool(get("up_has_offset")),
			Retprobe:     decodeBool(get("up_retprobe")),
			ContainerPID: int(decodeU32(get("up_container_pid"))),
		}
		if podNS := get("up_cs_pod_namespace"); podNS != nil {
			labels, _ := getStringMapping(t, "up_cs_labels")
			up.ContainerSelector = &ContainerSelector{
				PodNamespace:  decodeStr(podNS),
				ContainerName: decodeStr(get("up_cs_container_name")),
				ContainerID:   decodeStr(get("up_cs_container_id")),
				PodLabels:     labels,
			}
		}
		l.Uprobe = up
	}
	return l, nil
}

// DeleteLink removes every key in the link's tree and its index entry.
func (r *Registry) DeleteLink(id uint32) error {
	t := r.db.Tree(linkTree(id))
	for _, prefix := range []string{"program_id", "kind", "netns_path", "reattach_on_boot", "metadata",
		"xdp_", "tc_", "tcx_", "tp_", "kp_", "up_"} {
		if err := t.RemovePrefix([]byte(prefix)); err != nil {
			return err
		}
	}
	return r.db.Tree(treeLinksIdx).Remove([]byte(fmt.Sprintf("link_%d", id)))
}

// ListLinkIDs enumerates every persisted link id, sorted ascending.
func (r *Registry) ListLinkIDs() ([]uint32, error) {
	kvs, err := r.db.Tree(treeLinksIdx).ScanPrefix([]byte("link_"))
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(kvs))
	for _, kv := range kvs {
		idStr := strings.TrimPrefix(string(kv.Key), "link_")
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// LinksForProgram returns every link id that references programID.
func (r *Registry) LinksForProgram(programID uint32) ([]uint32, error) {
	all, err := r.ListLinkIDs()
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, id := range all {
		l, err := r.GetLink(id)
		if err != nil {
			continue
		}
		if l.ProgramID == programID {
			out = append(out, id)
		}
	}
	return out, nil
}

// SharersOf returns program ids whose MapOwnerID equals ownerID.
func (r *Registry) SharersOf(ownerID uint32) ([]uint32, error) {
	ids, err := r.ListProgramIDs()
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, id := range ids {
		p, err := r.GetProgram(id)
		if err != nil {
			continue
		}
		if p.HasMapOwner && p.MapOwnerID == ownerID {
			out = append(out, id)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------

// GetDispatcherBySlot returns the live Dispatcher for (iface, dir), or
// (nil, nil) if the slot is Absent.
func (r *Registry) GetDispatcherBySlot(iface string, dir Direction) (*Dispatcher, error) {
	idx := r.db.Tree(treeDispatchers)
	v, ok, err := idx.Get([]byte(SlotKey(iface, dir)))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return r.GetDispatcher(decodeU32(v))
}

// GetDispatcher reads back the Dispatcher whose own Program id is programID.
func (r *Registry) GetDispatcher(programID uint32) (*Dispatcher, error) {
	t := r.db.Tree(dispatcherTree(programID))
	ifaceB, ok, err := t.Get([]byte("interface"))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, bpfmanerrors.New(bpfmanerrors.KindNotFound, "dispatcher not found")
	}
	get := func(key string) []byte { v, _, _ := t.Get([]byte(key)); return v }

	d := &Dispatcher{
		ProgramID: programID,
		Interface: decodeStr(ifaceB),
		Direction: Direction(decodeStr(get("direction"))),
		Kind:      Kind(decodeStr(get("kind"))),
		Revision:  decodeU64(get("revision")),
	}

	kvs, err := t.ScanPrefix([]byte("children_"))
	if err != nil {
		return nil, err
	}
	type indexed struct {
		idx int
		c   DispatcherChildLink
	}
	var items []indexed
	for _, kv := range kvs {
		suffix := strings.TrimPrefix(string(kv.Key), "children_")
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		items = append(items, indexed{idx: n, c: decodeChild(kv.Value)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].idx < items[j].idx })
	for _, it := range items {
		d.Children = append(d.Children, it.c)
	}
	return d, nil
}

// PutDispatcher writes d, replacing its children sequence atomically,
// and updates the (interface, direction) slot index.
func (r *Registry) PutDispatcher(d *Dispatcher) error {
	t := r.db.Tree(dispatcherTree(d.ProgramID))
	if err := t.Insert([]byte("interface"), encodeStr(d.Interface)); err != nil {
		return err
	}
	if err := t.Insert([]byte("direction"), encodeStr(string(d.Direction))); err != nil {
		return err
	}
	if err := t.Insert([]byte("kind"), encodeStr(string(d.Kind))); err != nil {
		return err
	}
	if err := t.Insert([]byte("revision"), encodeU64(d.Revision)); err != nil {
		return err
	}
	if err := t.RemovePrefix([]byte("children_")); err != nil {
		return err
	}
	for i, c := range d.Children {
		if err := t.Insert([]byte(fmt.Sprintf("children_%d", i)), encodeChild(c)); err != nil {
			return err
		}
	}
	idx := r.db.Tree(treeDispatchers)
	return idx.Insert([]byte(d.Key()), encodeU32(d.ProgramID))
}

// DeleteDispatcher removes d's tree and slot index entry — used when the
// chain transitions to Absent.
func (r *Registry) DeleteDispatcher(d *Dispatcher) error {
	t := r.db.Tree(dispatcherTree(d.ProgramID))
	for _, prefix := range []string{"interface", "direction", "kind", "revision", "children_"} {
		if err := t.RemovePrefix([]byte(prefix)); err != nil {
			return err
		}
	}
	return r.db.Tree(treeDispatchers).Remove([]byte(d.Key()))
}

// ListDispatcherSlots enumerates every (interface, direction) slot with a
// live Dispatcher record.
func (r *Registry) ListDispatcherSlots() ([]string, error) {
	kvs, err := r.db.Tree(treeDispatchers).ScanPrefix(nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, string(kv.Key))
	}
	sort.Strings(out)
	return out, nil
}

func encodeChild(c DispatcherChildLink) []byte {
	b := make([]byte, 4+4+4+4+4)
	nativeEndian.PutUint32(b[0:4], c.ProgramID)
	nativeEndian.PutUint32(b[4:8], c.LinkID)
	nativeEndian.PutUint32(b[8:12], uint32(c.Priority))
	nativeEndian.PutUint32(b[12:16], uint32(c.ProceedOnXDP))
	nativeEndian.PutUint32(b[16:20], uint32(c.ProceedOnTC))
	return b
}

func decodeChild(b []byte) DispatcherChildLink {
	if len(b) < 20 {
		return DispatcherChildLink{}
	}
	return DispatcherChildLink{
		ProgramID:    nativeEndian.Uint32(b[0:4]),
		LinkID:       nativeEndian.Uint32(b[4:8]),
		Priority:     int(nativeEndian.Uint32(b[8:12])),
		ProceedOnXDP: ProceedOnXDP(nativeEndian.Uint32(b[12:16])),
		ProceedOnTC:  ProceedOnTC(nativeEndian.Uint32(b[16:20])),
	}
}

// ---------------------------------------------------------------------
// Flattening helpers shared by Program/Link
// ---------------------------------------------------------------------

func putOrderedU32(t *store.Tree, name string, values []uint32) error {
	if err := t.RemovePrefix([]byte(name + "_")); err != nil {
		return err
	}
	for i, v := range values {
		if err := t.Insert([]byte(fmt.Sprintf("%s_%d", name, i)), encodeU32(v)); err != nil {
			return err
		}
	}
	return nil
}

func getOrderedU32(t *store.Tree, name string) ([]uint32, error) {
	kvs, err := t.ScanPrefix([]byte(name + "_"))
	if err != nil {
		return nil, err
	}
	type indexed struct {
		idx int
		v   uint32
	}
	var items []indexed
	for _, kv := range kvs {
		suffix := strings.TrimPrefix(string(kv.Key), name+"_")
		n, err := strconv.Atoi(suffix)
		if err != nil {
			continue
		}
		items = append(items, indexed{idx: n, v: decodeU32(kv.Value)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].idx < items[j].idx })
	out := make([]uint32, len(items))
	for i, it := range items {
		out[i] = it.v
	}
	return out, nil
}

func putMapping(t *store.Tree, name string, m map[string][]byte) error {
	if err := t.RemovePrefix([]byte(name + "_")); err != nil {
		return err
	}
	for k, v := range m {
		if err := t.Insert([]byte(fmt.Sprintf("%s_%s", name, k)), v); err != nil {
			return err
		}
	}
	return nil
}

func getMapping(t *store.Tree, name string) (map[string][]byte, error) {
	kvs, err := t.ScanPrefix([]byte(name + "_"))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(kvs))
	for _, kv := range kvs {
		k := strings.TrimPrefix(string(kv.Key), name+"_")
		out[k] = kv.Value
	}
	return out, nil
}

func putStringMapping(t *store.Tree, name string, m map[string]string) error {
	if err := t.RemovePrefix([]byte(name + "_")); err != nil {
		return err
	}
	for k, v := range m {
		if err := t.Insert([]byte(fmt.Sprintf("%s_%s", name, k)), encodeStr(v)); err != nil {
			return err
		}
	}
	return nil
}

func getStringMapping(t *store.Tree, name string) (map[string]string, error) {
	kvs, err := t.ScanPrefix([]byte(name + "_"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k := strings.TrimPrefix(string(kv.Key), name+"_")
		out[k] = decodeStr(kv.Value)
	}
	return out, nil
}
