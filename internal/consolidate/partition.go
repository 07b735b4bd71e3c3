package consolidate

import (
	"fmt"
	"time"

	"github.com/xtwoend/bga-dse/internal/errors"
)

// Partition decides how a group's rows are split across tables over time.
type Partition string

const (
	// PartitionNone writes every row into the table named after the group.
	PartitionNone Partition = "none"
	// PartitionMonthly appends _YYYYMM.
	PartitionMonthly Partition = "monthly"
	// PartitionDaily appends _YYYYMMDD.
	PartitionDaily Partition = "daily"
	// PartitionHourly appends _YYYYMMDDHH.
	PartitionHourly Partition = "hourly"
)

// ParsePartition parses a partition policy. Empty means none.
func ParsePartition(s string) (Partition, error) {
	switch p := Partition(s); p {
	case "":
		return PartitionNone, nil
	case PartitionNone, PartitionMonthly, PartitionDaily, PartitionHourly:
		return p, nil
	default:
		return "", fmt.Errorf("partition %q: %w", s, errors.ErrInvalidConfig)
	}
}

func (p Partition) layout() string {
	switch p {
	case PartitionMonthly:
		return "200601"
	case PartitionDaily:
		return "20060102"
	case PartitionHourly:
		return "2006010215"
	default:
		return ""
	}
}

// TableName returns the table a row of group written at t belongs to.
// t should already be in the location partitions are cut in.
func (p Partition) TableName(group string, t time.Time) string {
	layout := p.layout()
	if layout == "" {
		return group
	}
	return group + "_" + t.Format(layout)
}
