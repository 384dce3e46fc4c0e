package graph

// LevelStats summarizes the shape of a level partition. Used to size worker
// pools and to report the achievable speedup over sequential execution.
type LevelStats struct {
	LevelCount     int
	LevelSizes     []int
	MaxParallelism int
	AvgParallelism float64
	TotalTasks     int
}

// Stats computes LevelStats for a level partition produced by ComputeLevels.
func Stats(levels [][]int) LevelStats {
	stats := LevelStats{
		LevelCount: len(levels),
		LevelSizes: make([]int, len(levels)),
	}

	for i, level := range levels {
		stats.LevelSizes[i] = len(level)
		stats.TotalTasks += len(level)
		if len(level) > stats.MaxParallelism {
			stats.MaxParallelism = len(level)
		}
	}

	if stats.LevelCount > 0 {
		stats.AvgParallelism = float64(stats.TotalTasks) / float64(stats.LevelCount)
	}

	return stats
}

// SpeedupEstimate returns the theoretical speedup from level-parallel
// execution: sequential task count divided by level count. A graph with no
// levels has speedup 1 (nothing to run).
func (s LevelStats) SpeedupEstimate() float64 {
	if s.LevelCount == 0 {
		return 1
	}
	return float64(s.TotalTasks) / float64(s.LevelCount)
}
