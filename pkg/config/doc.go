// Package config holds the kernel configuration and the two embedded
// languages the kernel evaluates.
//
// # Configuration
//
// Config is read with viper from a YAML file (runplane.yaml by default),
// overridden by RUNPLANE_ environment variables and finally by any flags
// bound into the viper instance:
//
//	v := viper.New()
//	_ = v.BindPFlag("database.path", cmd.Flags().Lookup("db"))
//	cfg, err := config.Load(v, path)
//
// Nested keys map to variables by replacing dots, so reconcile.workers is
// RUNPLANE_RECONCILE_WORKERS.
//
// # Schemas
//
// SchemaRegistry keeps one CUE schema per runtime. Each schema declares a
// #Spec definition that composed specs are unified with:
//
//	#Spec: {
//		image:     string & !=""
//		replicas?: int & >=0
//		...
//	}
//
// Built-in schemas exist for the container, transform and workflow
// runtimes and can be replaced with RegisterSchema or RegisterSchemaFile.
// Mismatches surface as configuration errors with every CUE message in the
// "errors" detail.
//
// CUEParser decodes CUE catalog documents into plain maps.
//
// # Starlark
//
// StarlarkEvaluator runs scripts and boolean filter expressions in a
// sandbox: no load(), print discarded, a step budget and a timeout.
// Lifecycle triggers evaluate their filters with EvaluateBool:
//
//	ok, err := eval.EvaluateBool(ctx, `entity["state"] == "READY"`, vars)
package config
