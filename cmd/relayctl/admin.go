package main

import (
	"errors"
	"fmt"

	"github.com/matheus3301/relay/internal/account"
	"github.com/matheus3301/relay/internal/api"
	"github.com/matheus3301/relay/internal/config"
	"github.com/matheus3301/relay/internal/lock"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

func init() {
	invalidateCmd.Flags().Bool("all", false, "drop every cached profile")
	invalidateCmd.Flags().Bool("delete-avatar", false, "also delete downloaded avatars")
	mediaCacheCmd.Flags().String("mime", "", "MIME type of the media")
	configInitCmd.Flags().String("user", "", "user id of the account owner")
	configInitCmd.Flags().String("remote", "", "remote store websocket URL")
	configInitCmd.Flags().String("presence", "", "presence service websocket URL")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing config")

	rootCmd.AddCommand(statusCmd, profileCmd, invalidateCmd, mediaCmd, presenceCmd, configCmd)
	mediaCmd.AddCommand(mediaCacheCmd, mediaSizeCmd, mediaClearCmd)
	presenceCmd.AddCommand(presenceSetCmd, presenceWatchCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon connectivity and store counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := account.Resolve(accountFlag)
		if _, held := lock.Inspect(account.Dir(name)); !held {
			return fmt.Errorf("no daemon running for account %q", name)
		}
		return call(api.StatusServiceName, "GetStatus", nil, func(out *structpb.Struct) {
			fmt.Printf("Account:   %s (%s)\n", field(out, "account").GetStringValue(), field(out, "user_id").GetStringValue())
			fmt.Printf("State:     %s since %s\n", field(out, "state").GetStringValue(), fmtTime(field(out, "since").GetNumberValue()))
			fmt.Printf("Chats:     %.0f\n", field(out, "chats").GetNumberValue())
			fmt.Printf("Messages:  %.0f\n", field(out, "messages").GetNumberValue())
			fmt.Printf("Pending:   %.0f\n", field(out, "pending").GetNumberValue())
		})
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile <user-id>",
	Short: "Show a user profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(api.ProfileServiceName, "GetProfile", map[string]any{"user_id": args[0]}, func(out *structpb.Struct) {
			p := field(out, "profile").GetStructValue()
			fmt.Printf("%s (@%s)\n", field(p, "display_name").GetStringValue(), field(p, "username").GetStringValue())
			if bio := field(p, "bio").GetStringValue(); bio != "" {
				fmt.Println(bio)
			}
			if path := field(p, "avatar_local_path").GetStringValue(); path != "" {
				fmt.Printf("avatar: %s\n", path)
			}
			fmt.Printf("last seen: %s\n", fmtTime(field(p, "last_seen").GetNumberValue()))
		})
	},
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate [user-id]",
	Short: "Drop cached profiles",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		deleteAvatar, _ := cmd.Flags().GetBool("delete-avatar")
		in := map[string]any{"all": all, "delete_avatar": deleteAvatar}
		if len(args) == 1 {
			in["user_id"] = args[0]
		} else if !all {
			return errors.New("pass a user id or --all")
		}
		return call(api.ProfileServiceName, "Invalidate", in, func(*structpb.Struct) {
			fmt.Println("invalidated")
		})
	},
}

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Inspect and manage the media cache",
}

var mediaCacheCmd = &cobra.Command{
	Use:   "cache <url>",
	Short: "Download media into the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mime, _ := cmd.Flags().GetString("mime")
		return call(api.MediaServiceName, "CacheMedia", map[string]any{"url": args[0], "mime": mime}, func(out *structpb.Struct) {
			if !field(out, "ok").GetBoolValue() {
				fmt.Println("download failed")
				return
			}
			fmt.Println(field(out, "path").GetStringValue())
		})
	},
}

var mediaSizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Show the total size of cached media",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(api.MediaServiceName, "Size", nil, func(out *structpb.Struct) {
			fmt.Printf("%.1f MiB\n", field(out, "bytes").GetNumberValue()/(1<<20))
		})
	},
}

var mediaClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached media file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(api.MediaServiceName, "Clear", nil, func(*structpb.Struct) {
			fmt.Println("media cache cleared")
		})
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Set or follow presence",
}

var presenceSetCmd = &cobra.Command{
	Use:       "set <online|away|offline>",
	Short:     "Set your presence status",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"online", "away", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(api.StatusServiceName, "SetPresence", map[string]any{"status": args[0]}, func(out *structpb.Struct) {
			fmt.Printf("presence: %s\n", field(out, "status").GetStringValue())
		})
	},
}

var presenceWatchCmd = &cobra.Command{
	Use:   "watch <user-id...>",
	Short: "Follow the presence of users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]any, len(args))
		for i, a := range args {
			ids[i] = a
		}
		return watch(cmd, api.StatusServiceName, "WatchPresence", map[string]any{"user_ids": ids}, func(s *structpb.Struct) {
			fmt.Printf("%s is %s (last seen %s)\n",
				field(s, "user_id").GetStringValue(),
				field(s, "status").GetStringValue(),
				fmtTime(field(s, "last_seen").GetNumberValue()))
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ~/.relay/config.toml",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with default settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := account.ConfigPath()
		force, _ := cmd.Flags().GetBool("force")
		if _, err := config.Load(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		cfg := config.Default()
		cfg.UserID, _ = cmd.Flags().GetString("user")
		cfg.Remote.URL, _ = cmd.Flags().GetString("remote")
		cfg.Presence.URL, _ = cmd.Flags().GetString("presence")
		if accountFlag != "" {
			if err := account.ValidateName(accountFlag); err != nil {
				return err
			}
			cfg.DefaultAccount = accountFlag
		}
		if err := config.Save(path, cfg); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		if err := cfg.Validate(); err != nil {
			fmt.Printf("note: %v\n", err)
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrDefault(account.ConfigPath())
		if err != nil {
			return err
		}
		if err := cfg.ApplyEnv(account.EnvPath()); err != nil {
			return err
		}
		token := "(not set)"
		if cfg.Remote.Token != "" {
			token = "(set)"
		}
		fmt.Printf("Default account: %s\n", cfg.DefaultAccount)
		fmt.Printf("User ID:         %s\n", cfg.UserID)
		fmt.Printf("Remote URL:      %s\n", cfg.Remote.URL)
		fmt.Printf("Remote token:    %s\n", token)
		fmt.Printf("Presence URL:    %s\n", cfg.Presence.URL)
		fmt.Printf("Log level:       %s\n", cfg.LogLevel)
		fmt.Printf("Outbox:          base %s, max %s, %d attempts\n",
			cfg.Outbox.BaseDelay.Duration, cfg.Outbox.MaxDelay.Duration, cfg.Outbox.MaxAttempts)
		fmt.Printf("Media cache:     %d MiB, low water %.2f\n", cfg.Cache.MediaMaxBytes>>20, cfg.Cache.MediaLowWater)
		return nil
	},
}
