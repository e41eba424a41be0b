package records

import "sort"

// StatusCounts 记录每个状态下当前子记录的数量。
type StatusCounts map[string]int

// NewJobPartitionCounts 返回所有分区状态都为 0 的计数，新建作业运行时使用。
func NewJobPartitionCounts() StatusCounts {
	counts := make(StatusCounts, len(JobPartitionRunStatuses))
	for _, status := range JobPartitionRunStatuses {
		counts[string(status)] = 0
	}
	return counts
}

// Transition 将一个子记录从 previous 状态移动到 current 状态。
// previous 为空表示这是子记录的第一个状态。previous 对应的键不存在或已经为 0 时
// 不做扣减，返回 false 表示计数与子记录集合已出现偏差。
func (c StatusCounts) Transition(previous, current string) bool {
	consistent := true
	if previous != "" {
		value, ok := c[previous]
		switch {
		case !ok:
			consistent = false
		case value <= 0:
			consistent = false
		default:
			c[previous] = value - 1
		}
	}
	c[current]++
	return consistent
}

// Clone 返回计数的副本。
func (c StatusCounts) Clone() StatusCounts {
	if c == nil {
		return nil
	}
	clone := make(StatusCounts, len(c))
	for status, value := range c {
		clone[status] = value
	}
	return clone
}

// Total 返回所有状态计数之和。
func (c StatusCounts) Total() int {
	total := 0
	for _, value := range c {
		total += value
	}
	return total
}

// Equal 比较两个计数，值为 0 的键与缺失的键视为相同。
func (c StatusCounts) Equal(other StatusCounts) bool {
	for status, value := range c {
		if other[status] != value {
			return false
		}
	}
	for status, value := range other {
		if c[status] != value {
			return false
		}
	}
	return true
}

// Statuses 返回按字母排序的状态键。
func (c StatusCounts) Statuses() []string {
	keys := make([]string, 0, len(c))
	for status := range c {
		keys = append(keys, status)
	}
	sort.Strings(keys)
	return keys
}
