package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dronecore/messaging"
	"dronecore/protocol"
)

func newOrderCmd() *cobra.Command {
	var (
		pickup, dropoff [2]float64
		alt, payload    float64
		priority        string
	)
	cmd := &cobra.Command{
		Use:     "order",
		Short:   "Publish one delivery order to orders/new",
		Example: "  dronecore order --pickup-lat 52.1 --pickup-lon 21.1 --dropoff-lat 52.2 --dropoff-lon 21.2",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			prio, err := protocol.ParsePriority(priority)
			if err != nil {
				return err
			}
			b := cfg.Fleet.Base
			o := protocol.Order{
				ID:        protocol.NewOrderID(),
				Base:      protocol.Position{Lat: b.Lat, Lon: b.Lon, Alt: b.Alt},
				Addr1:     protocol.Position{Lat: pickup[0], Lon: pickup[1], Alt: alt},
				Addr2:     protocol.Position{Lat: dropoff[0], Lon: dropoff[1], Alt: alt},
				PayloadKg: payload,
				Priority:  prio,
			}
			for _, p := range []protocol.Position{o.Base, o.Addr1, o.Addr2} {
				if err := p.Validate(); err != nil {
					return err
				}
			}

			bus, err := newBus(cfg)
			if err != nil {
				return err
			}
			defer bus.Stop()
			if err := bus.Start(cmd.Context()); err != nil {
				return fmt.Errorf("connect %s: %w", cfg.Messaging.Backend, err)
			}
			if err := bus.Publish(protocol.TopicOrdersNew, o, messaging.AtLeastOnce, false); err != nil {
				return err
			}
			log.Info().Str("order", o.ID).Msg("order published")
			fmt.Println(o.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.Float64Var(&pickup[0], "pickup-lat", 0, "pickup latitude")
	f.Float64Var(&pickup[1], "pickup-lon", 0, "pickup longitude")
	f.Float64Var(&dropoff[0], "dropoff-lat", 0, "dropoff latitude")
	f.Float64Var(&dropoff[1], "dropoff-lon", 0, "dropoff longitude")
	f.Float64Var(&alt, "alt", protocol.DefaultAltitude, "cruise altitude in metres")
	f.Float64Var(&payload, "payload", protocol.DefaultPayloadKg, "payload mass in kg")
	f.StringVar(&priority, "priority", "normal", "low, normal or high")
	cmd.MarkFlagRequired("pickup-lat")
	cmd.MarkFlagRequired("pickup-lon")
	cmd.MarkFlagRequired("dropoff-lat")
	cmd.MarkFlagRequired("dropoff-lon")
	return cmd
}
