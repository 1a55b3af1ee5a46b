// Package mmap implements the firmware memory map collector. It is the only
// place where changes to the firmware memory map are tolerated; the region
// list it returns is frozen for the rest of the hand-off.
package mmap

import (
	"errors"
	"gopherboot/loader"
	"gopherboot/loader/firmware"
	"gopherboot/loader/mem"

	"github.com/cenkalti/backoff"
	"github.com/google/btree"
	"github.com/sirupsen/logrus"
)

// DefaultMaxRetries bounds the number of memory map queries before the
// collector gives up. A stable map requires at least three queries (size
// query, first copy, confirming copy).
const DefaultMaxRetries = 8

// slackDescriptors is the number of extra descriptors reserved when sizing the
// map buffer; allocating the buffer itself may split a region in two.
const slackDescriptors = 2

var (
	errQueryFailed   = &loader.Error{Module: "mmap", Message: "firmware memory map query failed", Kind: loader.FirmwareQueryFailed}
	errUnstable      = &loader.Error{Module: "mmap", Message: "firmware memory map did not stabilize", Kind: loader.FirmwareQueryFailed}
	errUndecodable   = &loader.Error{Module: "mmap", Message: "unsupported firmware memory descriptor layout", Kind: loader.FirmwareQueryFailed}
	errEmptyMap      = &loader.Error{Module: "mmap", Message: "firmware memory map contains no usable memory", Kind: loader.FirmwareQueryFailed}
	errExitFailed    = &loader.Error{Module: "mmap", Message: "firmware refused to exit boot services", Kind: loader.FirmwareQueryFailed}
	errExitUnstable  = &loader.Error{Module: "mmap", Message: "memory map kept changing while exiting boot services", Kind: loader.FirmwareQueryFailed}
	errRetryQuery    = errors.New("retry memory map query")
	errConfirmLatest = errors.New("confirm memory map")
	errRetryExit     = errors.New("retry exit boot services")
)

// Collector queries the firmware for its memory map.
type Collector struct {
	// MaxRetries bounds the number of queries; DefaultMaxRetries is used if
	// zero.
	MaxRetries uint64

	// Log receives the collected map.
	Log logrus.FieldLogger

	// buf is kept across collections. Once an exit attempt has been made
	// the firmware may no longer allocate, so a re-collection must reuse it.
	buf []byte
}

// Collect returns the normalized, sorted and non-overlapping physical memory
// map. Adjacent regions with the same classification are merged.
func (c *Collector) Collect(fw firmware.Firmware) ([]mem.Region, *loader.Error) {
	regions, _, err := c.collect(fw)
	return regions, err
}

// CollectAndExit collects the memory map and exits the firmware boot services
// with the key of that map, after which the map can no longer change. If the
// firmware reports that the map changed in between, the map is collected
// again; MaxRetries bounds the number of exit attempts.
func (c *Collector) CollectAndExit(fw firmware.Firmware) ([]mem.Region, *loader.Error) {
	var (
		regions    []mem.Region
		key        uint64
		collectErr *loader.Error
		attempts   int
	)

	op := func() error {
		attempts++
		if regions, key, collectErr = c.collect(fw); collectErr != nil {
			return backoff.Permanent(collectErr)
		}

		err := fw.ExitBootServices(key)
		switch {
		case errors.Is(err, firmware.ErrMapChanged):
			c.log().WithField("key", key).Warn("memory map changed before exiting boot services")
			return errRetryExit
		case err != nil:
			return backoff.Permanent(err)
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, c.maxRetries()))
	switch {
	case err == nil:
		c.log().WithFields(logrus.Fields{"attempts": attempts, "key": key}).Info("exited boot services")
		return regions, nil
	case collectErr != nil:
		return nil, collectErr
	case errors.Is(err, errRetryExit):
		c.log().WithField("attempts", attempts).Error("memory map kept changing while exiting boot services")
		return nil, errExitUnstable
	default:
		c.log().WithError(err).WithField("attempts", attempts).Error("exit boot services refused")
		return nil, errExitFailed
	}
}

// collect returns the normalized map together with its firmware key.
func (c *Collector) collect(fw firmware.Firmware) ([]mem.Region, uint64, *loader.Error) {
	buf, info, err := c.queryStable(fw)
	if err != nil {
		return nil, 0, err
	}

	descriptors := btree.NewG(8, descriptorLess)
	if !firmware.VisitDescriptors(buf, info, func(d firmware.Descriptor) bool {
		if d, ok := normalize(d); ok {
			descriptors.ReplaceOrInsert(d)
		}
		return true
	}) {
		c.log().WithFields(logrus.Fields{
			"descriptor_size":    info.DescriptorSize,
			"descriptor_version": info.DescriptorVersion,
			"map_size":           info.Size,
		}).Error("cannot decode memory map")
		return nil, 0, errUndecodable
	}

	regions := flatten(descriptors)
	c.printMemoryMap(regions)

	for _, r := range regions {
		if r.Type == mem.Usable {
			return regions, info.Key, nil
		}
	}
	return nil, 0, errEmptyMap
}

// queryStable implements the {query size, allocate, query again} loop. The map
// is considered stable once two consecutive successful queries report the
// same map key.
func (c *Collector) queryStable(fw firmware.Firmware) ([]byte, firmware.MapInfo, *loader.Error) {
	var (
		buf      = c.buf
		stable   firmware.MapInfo
		prevKey  uint64
		havePrev bool
		attempts int
	)

	op := func() error {
		attempts++
		info, err := fw.QueryMemoryMap(buf)
		switch {
		case errors.Is(err, firmware.ErrBufferTooSmall):
			newBuf, allocErr := fw.AllocatePool(info.Size + slackDescriptors*info.DescriptorSize)
			if allocErr != nil {
				return backoff.Permanent(allocErr)
			}
			buf, havePrev = newBuf, false
			c.buf = newBuf
			return errRetryQuery
		case errors.Is(err, firmware.ErrMapChanged):
			havePrev = false
			return errRetryQuery
		case err != nil:
			return backoff.Permanent(err)
		}

		if havePrev && info.Key == prevKey {
			stable = info
			return nil
		}

		prevKey, havePrev = info.Key, true
		return errConfirmLatest
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, c.maxRetries()))
	switch {
	case err == nil:
		c.log().WithFields(logrus.Fields{"attempts": attempts, "key": stable.Key}).Debug("memory map stable")
		return buf, stable, nil
	case errors.Is(err, errRetryQuery) || errors.Is(err, errConfirmLatest):
		c.log().WithField("attempts", attempts).Error("memory map kept changing")
		return nil, stable, errUnstable
	default:
		c.log().WithError(err).WithField("attempts", attempts).Error("memory map query refused")
		return nil, stable, errQueryFailed
	}
}

func (c *Collector) maxRetries() uint64 {
	if c.MaxRetries == 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

func (c *Collector) log() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger().WithField("module", "mmap")
	}
	return c.Log.WithField("module", "mmap")
}

// printMemoryMap logs the collected system memory map.
func (c *Collector) printMemoryMap(regions []mem.Region) {
	var totalFree mem.Size
	for _, r := range regions {
		c.log().Infof("[0x%10x - 0x%10x], pages: %8d, type: %s", r.Start, r.End(), r.Pages, r.Type)
		if r.Type == mem.Usable {
			totalFree += mem.Size(r.Pages << mem.PageShift)
		}
	}
	c.log().Infof("available memory: %dKb", uint64(totalFree/mem.Kb))
}
