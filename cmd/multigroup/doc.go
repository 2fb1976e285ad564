// Package main hosts the multigroup command, which extracts every configured
// chat group in one run.
//
// Architecture overview:
//   - Configuration: Viper loads configs/multi_group_config.yaml (or --config)
//     plus MULTIGROUP_* environment overrides, and validates it once before
//     anything is scheduled.
//   - Orchestration: internal/manager runs one task per group, either all at
//     once or in batches no larger than max_parallel_groups, with a cooldown
//     between batches. Every browser session is closed on every path.
//   - Fallback: failed groups are retried through an Apify actor when
//     apify_fallback is enabled; cancellations are never retried.
//   - Persistence & fanout: messages are written atomically to each group's
//     save_file, optionally mirrored to GCS. Results go to Postgres and Pub/Sub
//     when configured.
//   - Observability: zap logs carry run and group fields; the progress hub
//     feeds Prometheus collectors served by the optional status server.
//
// Exit codes: 0 on completion, 1 for configuration or fatal errors, 130 when
// interrupted by SIGINT or SIGTERM.
package main
