package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/trexxak/ghostship-master-sub001/internal/domain/model"
	"github.com/trexxak/ghostship-master-sub001/internal/simconfig"
)

func roundCount(value float64) int {
	if value <= 0 {
		return 0
	}
	return int(math.Round(value))
}

// planAllocation scales the configured base counts by the energy band. High
// energy with zero planned threads rescues one thread so hot ticks always
// open a conversation somewhere.
func planAllocation(base simconfig.AllocationDefaults, profile energyProfile) model.Allocation {
	scale := energyMultiplier(profile.Prime)
	alloc := model.Allocation{
		Registrations:    roundCount(float64(base.Registrations) * scale),
		Threads:          roundCount(float64(base.Threads) * scale),
		Replies:          roundCount(float64(base.Replies) * scale),
		PrivateMessages:  roundCount(float64(base.PrivateMessages) * scale),
		ModerationEvents: roundCount(float64(base.ModerationEvents) * scale),
	}
	if profile.Prime >= 6 && alloc.Threads == 0 {
		alloc.Threads = 1
	}
	return alloc.WithNote(fmt.Sprintf("energy:%d (rolls=%s, x%.1f)", profile.Prime, describeRolls(profile.Rolls), scale))
}

// applySpecials folds the drawn omen/seance cards into the allocation.
// Seance boosts land first so omen factors compound on the boosted counts.
func applySpecials(alloc model.Allocation, sp specials, oracle simconfig.OracleSettings) model.Allocation {
	for _, note := range sp.Notes {
		alloc = alloc.WithNote(note)
	}

	if sp.Seance {
		replyFactor := oracle.SeanceReplyMultiplier
		dmFactor := oracle.SeancePMMultiplier
		label := "surge"
		if sp.SeanceCard != nil {
			replyFactor = sp.SeanceCard.factor("reply_factor", replyFactor)
			dmFactor = sp.SeanceCard.factor("dm_factor", dmFactor)
			label = sp.SeanceCard.label()
		}
		alloc.Threads = max(alloc.Threads, oracle.SeanceThreadFloor)
		alloc.Replies = roundCount(float64(alloc.Replies) * replyFactor)
		alloc.PrivateMessages = roundCount(float64(alloc.PrivateMessages) * dmFactor)
		alloc.ModerationEvents = max(alloc.ModerationEvents, 1)
		alloc = alloc.WithNote("seance:" + label)
	}

	if sp.Omen {
		if sp.OmenCard != nil {
			card := sp.OmenCard
			alloc.Registrations = roundCount(float64(alloc.Registrations) * card.factor("registrations_factor", 1))
			alloc.Threads = roundCount(float64(alloc.Threads) * card.factor("threads_factor", 1))
			alloc.Replies = roundCount(float64(alloc.Replies) * card.factor("replies_factor", 1))
			alloc.PrivateMessages = roundCount(float64(alloc.PrivateMessages) * card.factor("private_messages_factor", 1))
			alloc.ModerationEvents += card.bonus("moderation_bonus")
			if notes := card.noteList(); len(notes) > 0 {
				for _, note := range notes {
					alloc = alloc.WithNote("omen: " + strings.ToLower(note))
				}
			} else {
				alloc = alloc.WithNote("omen: " + strings.ToLower(card.label()))
			}
		} else {
			alloc = alloc.WithNote("omen: anomalies recorded")
		}
	}

	return alloc
}
