package ociimage

import (
	"encoding/json"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
	"github.com/bpfman/bpfman-core/internal/store"
)

// loadCached and storeCached flatten ImageEntry into/out of the images
// tree keyed by url, mirroring the registry's own approach of one
// scalar key per field rather than a single serialized blob, so a
// prefix scan over the tree can enumerate cached images without
// decoding every entry.
func (r *Resolver) loadCached(tree *store.Tree, url string) (*ImageEntry, bool, error) {
	v, ok, err := tree.Get([]byte(url + "_digest"))
	if err != nil {
		return nil, false, bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "read cached image")
	}
	if !ok {
		return nil, false, nil
	}

	entry := &ImageEntry{URL: url, Digest: string(v)}
	get := func(key string) string {
		v, _, _ := tree.Get([]byte(url + "_" + key))
		return string(v)
	}
	entry.BlobPath = get("blob_path")
	entry.Architecture = get("architecture")

	if raw := get("programs"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &entry.Programs); err != nil {
			return nil, false, bpfmanerrors.Wrap(bpfmanerrors.KindInternal, err, "decode cached programs label")
		}
	}
	if raw := get("maps"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &entry.Maps); err != nil {
			return nil, false, bpfmanerrors.Wrap(bpfmanerrors.KindInternal, err, "decode cached maps label")
		}
	}
	if raw := get("pull_count"); raw != "" {
		json.Unmarshal([]byte(raw), &entry.PullCount)
	}

	return entry, true, nil
}

func (r *Resolver) storeCached(tree *store.Tree, entry *ImageEntry) error {
	put := func(key, value string) error {
		return tree.Insert([]byte(entry.URL+"_"+key), []byte(value))
	}
	if err := put("digest", entry.Digest); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "cache image digest")
	}
	if err := put("blob_path", entry.BlobPath); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "cache image blob path")
	}
	if err := put("architecture", entry.Architecture); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "cache image architecture")
	}
	programsJSON, _ := json.Marshal(entry.Programs)
	if err := put("programs", string(programsJSON)); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "cache image programs label")
	}
	mapsJSON, _ := json.Marshal(entry.Maps)
	if err := put("maps", string(mapsJSON)); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "cache image maps label")
	}
	countJSON, _ := json.Marshal(entry.PullCount)
	return put("pull_count", string(countJSON))
}
