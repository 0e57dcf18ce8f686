package config

import (
	"fmt"
	"strings"

	"chainsync/internal/filter"
)

func resolveAddress(direct []string, factoryRef string, factories map[string]*filter.Factory) (filter.AddressConstraint, error) {
	if factoryRef != "" {
		f, ok := factories[factoryRef]
		if !ok {
			return filter.AddressConstraint{}, fmt.Errorf("unknown factory reference %q", factoryRef)
		}
		return filter.FactoryAddress(f), nil
	}
	return filter.DirectAddress(direct), nil
}

func (c LogFilterConfig) build(chainID int64, sourceIndex int, factories map[string]*filter.Factory) (*filter.LogFilter, error) {
	addr, err := resolveAddress(c.Addresses, c.FactoryRef, factories)
	if err != nil {
		return nil, err
	}
	return &filter.LogFilter{
		ChainID:         chainID,
		Range:           filter.NewRange(c.FromBlock, c.ToBlock),
		Address:         addr,
		Topic0:          filter.NewValueConstraint(c.Topic0),
		Topic1:          filter.NewValueConstraint(c.Topic1),
		Topic2:          filter.NewValueConstraint(c.Topic2),
		Topic3:          filter.NewValueConstraint(c.Topic3),
		IncludeReverted: c.IncludeReverted,
		SourceIndex:     sourceIndex,
	}, nil
}

func (c TransactionFilterConfig) build(chainID int64, sourceIndex int, factories map[string]*filter.Factory) (*filter.TransactionFilter, error) {
	from, err := resolveAddress(c.FromAddresses, c.FromFactoryRef, factories)
	if err != nil {
		return nil, err
	}
	to, err := resolveAddress(c.ToAddresses, c.ToFactoryRef, factories)
	if err != nil {
		return nil, err
	}
	return &filter.TransactionFilter{
		ChainID:         chainID,
		Range:           filter.NewRange(c.FromBlock, c.ToBlock),
		FromAddress:     from,
		ToAddress:       to,
		IncludeReverted: c.IncludeReverted,
		SourceIndex:     sourceIndex,
	}, nil
}

func (c TraceFilterConfig) build(chainID int64, sourceIndex int, factories map[string]*filter.Factory) (*filter.TraceFilter, error) {
	from, err := resolveAddress(c.FromAddresses, c.FromFactoryRef, factories)
	if err != nil {
		return nil, err
	}
	to, err := resolveAddress(c.ToAddresses, c.ToFactoryRef, factories)
	if err != nil {
		return nil, err
	}
	var callType filter.ValueConstraint
	if c.CallType != "" {
		callType = filter.NewValueConstraint([]string{c.CallType})
	}
	var selector filter.ValueConstraint
	if c.FunctionSelector != "" {
		selector = filter.NewValueConstraint([]string{c.FunctionSelector})
	}
	return &filter.TraceFilter{
		ChainID:          chainID,
		Range:            filter.NewRange(c.FromBlock, c.ToBlock),
		FromAddress:      from,
		ToAddress:        to,
		CallType:         callType,
		FunctionSelector: selector,
		IncludeReverted:  c.IncludeReverted,
		SourceIndex:      sourceIndex,
	}, nil
}

func (c TransferFilterConfig) build(chainID int64, sourceIndex int, factories map[string]*filter.Factory) (*filter.TransferFilter, error) {
	from, err := resolveAddress(c.FromAddresses, c.FromFactoryRef, factories)
	if err != nil {
		return nil, err
	}
	to, err := resolveAddress(c.ToAddresses, c.ToFactoryRef, factories)
	if err != nil {
		return nil, err
	}
	return &filter.TransferFilter{
		ChainID:         chainID,
		Range:           filter.NewRange(c.FromBlock, c.ToBlock),
		FromAddress:     from,
		ToAddress:       to,
		IncludeReverted: c.IncludeReverted,
		SourceIndex:     sourceIndex,
	}, nil
}

func (c BlockFilterConfig) build(chainID int64, sourceIndex int) (*filter.BlockFilter, error) {
	if c.Interval == 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if c.Offset >= c.Interval {
		return nil, fmt.Errorf("offset must be less than interval")
	}
	return &filter.BlockFilter{
		ChainID:     chainID,
		Range:       filter.NewRange(c.FromBlock, c.ToBlock),
		Interval:    c.Interval,
		Offset:      c.Offset,
		SourceIndex: sourceIndex,
	}, nil
}

func (c FactoryConfig) build(chainID int64) (*filter.Factory, error) {
	if len(c.Addresses) == 0 {
		return nil, fmt.Errorf("factory must declare at least one address")
	}
	if c.EventSelector == "" {
		return nil, fmt.Errorf("factory must declare an event_selector")
	}
	addrs := make([]string, len(c.Addresses))
	for i, a := range c.Addresses {
		addrs[i] = strings.ToLower(a)
	}
	return &filter.Factory{
		Name:            c.Name,
		ChainID:         chainID,
		Range:           filter.NewRange(nil, nil),
		Addresses:       addrs,
		EventSelector:   strings.ToLower(c.EventSelector),
		ChildTopicIndex: c.ChildOffset,
		ChildDataOffset: -1,
	}, nil
}
