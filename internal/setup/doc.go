// Package setup loads the rkforge configuration file and holds process-wide
// defaults: the ordered tool search directories, filesystem growth factors for
// auto image sizing, and subprocess limits.
//
// This is the only package that is allowed to call a global logger.
package setup
