// Package superimg splits an Android super (dynamic partition) image into
// its member partitions and rebuilds it, preserving the partition table
// layout through a metadata sidecar recorded at split time.
package superimg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dvhoang/rkforge/internal/imgfmt"
)

// MetadataFileName is the sidecar written next to the unpacked partitions.
const MetadataFileName = "super_metadata.yaml"

// PartitionDescriptor describes one dynamic partition inside super.
type PartitionDescriptor struct {
	Name       string                `yaml:"name"`
	Group      string                `yaml:"group"`
	SizeBytes  int64                 `yaml:"size_bytes"`
	Attributes string                `yaml:"attributes,omitempty"`
	Filesystem imgfmt.FilesystemKind `yaml:"filesystem,omitempty"`
}

// Metadata captures everything lpmake needs to rebuild the super image the
// way lpdump described it.
type Metadata struct {
	BlockSize  int64                 `yaml:"block_size"`
	Alignment  int64                 `yaml:"alignment"`
	Capacity   int64                 `yaml:"capacity"`
	SlotSuffix string                `yaml:"slot_suffix,omitempty"`
	Groups     map[string]int64      `yaml:"groups"`
	Partitions []PartitionDescriptor `yaml:"partitions"`
}

// Partition returns the descriptor with the given name, if present.
func (m *Metadata) Partition(name string) (PartitionDescriptor, bool) {
	for _, p := range m.Partitions {
		if p.Name == name {
			return p, true
		}
	}
	return PartitionDescriptor{}, false
}

// ParseLpdump extracts the partition layout from lpdump's human-readable
// output. The format is stable enough across platform tool releases that
// line-prefix matching holds up; unknown lines are skipped.
func ParseLpdump(out string) (*Metadata, error) {
	md := &Metadata{Groups: map[string]int64{}}

	var current *PartitionDescriptor
	flush := func() {
		if current != nil && current.Name != "" && current.Name != "super" {
			md.Partitions = append(md.Partitions, *current)
		}
		current = nil
	}

	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(line, "Block device table:"):
			flush()
		case strings.HasPrefix(line, "Metadata slot"):
			flush()
		case strings.HasPrefix(line, "Partition name:") || strings.HasPrefix(line, "Name:"):
			flush()
			name := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "Partition name:"), "Name:"))
			current = &PartitionDescriptor{Name: name}
		case strings.HasPrefix(line, "Group: "):
			name, size, ok := parseGroupLine(line)
			if ok {
				md.Groups[name] = size
			} else if current != nil {
				current.Group = strings.TrimSpace(strings.TrimPrefix(line, "Group:"))
			}
		case strings.HasPrefix(line, "Group:"):
			if current != nil {
				current.Group = strings.TrimSpace(strings.TrimPrefix(line, "Group:"))
			}
		case strings.HasPrefix(line, "Size:") && current != nil:
			if n, ok := parseTrailingInt(line); ok {
				current.SizeBytes = n
			}
		case strings.HasPrefix(line, "Attributes:") && current != nil:
			current.Attributes = strings.TrimSpace(strings.TrimPrefix(line, "Attributes:"))
		case strings.Contains(line, "size:") && strings.Contains(line, "Block device"):
			if n, ok := parseTrailingInt(line); ok {
				md.Capacity = n
			}
		case strings.Contains(strings.ToLower(line), "alignment:"):
			if n, ok := parseTrailingInt(line); ok && md.Alignment == 0 {
				md.Alignment = n
			}
		case strings.HasPrefix(line, "Logical block size:") || strings.HasPrefix(line, "Block size:"):
			if n, ok := parseTrailingInt(line); ok && md.BlockSize == 0 {
				md.BlockSize = n
			}
		}
	}
	flush()

	if len(md.Partitions) == 0 {
		return nil, fmt.Errorf("lpdump output contained no partitions")
	}
	if md.BlockSize == 0 {
		md.BlockSize = 4096
	}
	return md, nil
}

// parseGroupLine matches the group-table form "Group: name ... maximum size: N".
func parseGroupLine(line string) (string, int64, bool) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "Group:"))
	lower := strings.ToLower(rest)
	idx := strings.Index(lower, "max")
	if idx < 0 {
		return "", 0, false
	}
	name := strings.TrimSpace(strings.Trim(strings.TrimSpace(rest[:idx]), ",("))
	if name == "" {
		return "", 0, false
	}
	size, ok := parseTrailingInt(rest[idx:])
	if !ok {
		return "", 0, false
	}
	return name, size, true
}

// parseTrailingInt returns the last integer token on the line. Sizes in
// lpdump appear as bare byte counts, sometimes followed by a parenthesized
// human-readable form which is ignored.
func parseTrailingInt(line string) (int64, bool) {
	if i := strings.IndexByte(line, '('); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	for i := len(fields) - 1; i >= 0; i-- {
		tok := strings.Trim(fields[i], ",:")
		if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// SaveMetadata writes the sidecar into dir.
func SaveMetadata(dir string, md *Metadata) error {
	data, err := yaml.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode super metadata: %w", err)
	}
	path := filepath.Join(dir, MetadataFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write super metadata: %w", err)
	}
	return nil
}

// LoadMetadata reads the sidecar from dir.
func LoadMetadata(dir string) (*Metadata, error) {
	path := filepath.Join(dir, MetadataFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read super metadata: %w", err)
	}
	var md Metadata
	if err := yaml.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parse super metadata: %w", err)
	}
	return &md, nil
}

// ResizeMode controls how Join treats partition images whose size no longer
// matches the recorded descriptor.
type ResizeMode string

const (
	// ResizeStrict rejects any partition image larger than its recorded
	// size.
	ResizeStrict ResizeMode = "strict"
	// ResizeAuto grows descriptors to fit rebuilt images as long as group
	// budgets and the device capacity still hold.
	ResizeAuto ResizeMode = "auto"
)

// SizeError reports a partition that no longer fits its budget.
type SizeError struct {
	Partition string
	Group     string
	WantBytes int64
	HaveBytes int64
	Detail    string
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("partition %s: %s (need %d, budget %d)", e.Partition, e.Detail, e.WantBytes, e.HaveBytes)
}

// alignUp rounds n up to the next multiple of align.
func alignUp(n, align int64) int64 {
	if align <= 0 {
		return n
	}
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + align - rem
}

// ValidateSizes checks rebuilt image sizes against the metadata and, in auto
// mode, updates descriptors in place. sizes maps partition name to the byte
// size of the image that will go into lpmake.
func ValidateSizes(md *Metadata, sizes map[string]int64, mode ResizeMode) error {
	align := md.Alignment
	if align == 0 {
		align = md.BlockSize
	}

	for i := range md.Partitions {
		p := &md.Partitions[i]
		have, ok := sizes[p.Name]
		if !ok {
			continue
		}
		need := alignUp(have, align)
		if need <= p.SizeBytes {
			p.SizeBytes = need
			continue
		}
		if mode == ResizeStrict {
			return &SizeError{
				Partition: p.Name,
				Group:     p.Group,
				WantBytes: need,
				HaveBytes: p.SizeBytes,
				Detail:    "image grew beyond its recorded size",
			}
		}
		p.SizeBytes = need
	}

	if mode == ResizeAuto {
		groupUse := map[string]int64{}
		var total int64
		for _, p := range md.Partitions {
			groupUse[p.Group] += p.SizeBytes
			total += p.SizeBytes
		}
		for name, used := range groupUse {
			if budget, ok := md.Groups[name]; ok && budget > 0 && used > budget {
				return &SizeError{
					Partition: name,
					Group:     name,
					WantBytes: used,
					HaveBytes: budget,
					Detail:    "group budget exceeded",
				}
			}
		}
		if md.Capacity > 0 && total > md.Capacity {
			return &SizeError{
				Partition: "super",
				WantBytes: total,
				HaveBytes: md.Capacity,
				Detail:    "combined partitions exceed device capacity",
			}
		}
	}
	return nil
}
