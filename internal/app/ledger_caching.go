package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bravoline/boxoffice/internal/domain"
	"github.com/redis/go-redis/v9"
)

const availabilityKeyPrefix = "availability:"

// AvailabilityReader is the storefront-facing slice of the ledger.
type AvailabilityReader interface {
	Availability(ctx context.Context, ticketTypeID string) (domain.Availability, error)
}

// CachingAvailability wraps an AvailabilityReader with a short-TTL Redis
// cache for hot storefront reads. The TTL bounds staleness to a few seconds;
// cache errors fall through to the inner reader and are never returned.
type CachingAvailability struct {
	AvailabilityReader

	Redis *redis.Client
	TTL   time.Duration
}

func (c *CachingAvailability) Availability(ctx context.Context, ticketTypeID string) (domain.Availability, error) {
	key := availabilityKey(ticketTypeID)

	val, err := c.Redis.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
		// miss, fall through
	case err != nil:
		slog.Error("can't read availability from redis", slog.Any("error", err))
	default:
		if av, err := parseAvailabilityVal(ticketTypeID, val); err != nil {
			slog.Error("can't parse cached availability", slog.String("val", val), slog.Any("error", err))
		} else {
			return av, nil
		}
	}

	av, err := c.AvailabilityReader.Availability(ctx, ticketTypeID)
	if err != nil {
		return domain.Availability{}, err
	}

	if err := c.Redis.Set(ctx, key, formatAvailabilityVal(av), c.TTL).Err(); err != nil {
		slog.Error("can't cache availability", slog.Any("error", err))
	}
	return av, nil
}

func availabilityKey(ticketTypeID string) string {
	return availabilityKeyPrefix + ticketTypeID
}

// available|sold|reserved|unlimited
func formatAvailabilityVal(av domain.Availability) string {
	u := "0"
	if av.Unlimited {
		u = "1"
	}
	return strconv.Itoa(av.Available) + "|" + strconv.Itoa(av.Sold) + "|" + strconv.Itoa(av.Reserved) + "|" + u
}

func parseAvailabilityVal(ticketTypeID, val string) (domain.Availability, error) {
	split := strings.Split(val, "|")
	if len(split) != 4 {
		return domain.Availability{}, fmt.Errorf("expected val to consist of 4 parts, got %d", len(split))
	}

	var (
		av  = domain.Availability{TicketTypeID: ticketTypeID}
		err error
	)
	if av.Available, err = strconv.Atoi(split[0]); err != nil {
		return domain.Availability{}, fmt.Errorf("can't parse available: %w", err)
	}
	if av.Sold, err = strconv.Atoi(split[1]); err != nil {
		return domain.Availability{}, fmt.Errorf("can't parse sold: %w", err)
	}
	if av.Reserved, err = strconv.Atoi(split[2]); err != nil {
		return domain.Availability{}, fmt.Errorf("can't parse reserved: %w", err)
	}
	av.Unlimited = split[3] == "1"

	return av, nil
}
