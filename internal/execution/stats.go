package execution

// Stats 聚合执行状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total            int   `json:"total"`
	Pending          int   `json:"pending"`
	InFlight         int   `json:"in_flight"`
	AwaitingApproval int   `json:"awaiting_approval"`
	Succeeded        int   `json:"succeeded"`
	Failed           int   `json:"failed"`
	Cancelled        int   `json:"cancelled"`
	OldestUpdatedAt  int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt  int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(status Status, updatedAt int64) {
	s.Total++
	switch status {
	case StatusPending:
		s.Pending++
	case StatusApprovalRequired:
		s.AwaitingApproval++
	case StatusSuccess:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	case StatusCancelled:
		s.Cancelled++
	default:
		s.InFlight++
	}
	if s.OldestUpdatedAt == 0 || updatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = updatedAt
	}
	if updatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = updatedAt
	}
}
